//go:build !linux

package fault

import (
	"go.uber.org/zap"

	"github.com/lazymem/lazymem/types"
)

func newUFFDBackend(logger *zap.Logger) (Backend, error) {
	return nil, types.BackendFailureError{Msg: "userfaultfd fault backend requires linux"}
}
