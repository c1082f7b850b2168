//go:build !linux && !darwin

package fault

import (
	"go.uber.org/zap"

	"github.com/lazymem/lazymem/types"
)

func newGuardBackend(logger *zap.Logger) (Backend, error) {
	return nil, types.BackendFailureError{Msg: "guard fault backend is not supported on this platform"}
}
