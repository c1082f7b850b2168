//go:build !linux && !darwin

package fault

func autoKind() Kind {
	return KindSoft
}
