//go:build darwin

package fault

func autoKind() Kind {
	return KindGuard
}
