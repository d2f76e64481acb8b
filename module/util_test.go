package module_test

import (
	stderrors "errors"

	"github.com/wippyai/wasm-sandbox/errors"
)

func asError(err error, target **errors.Error) bool {
	return stderrors.As(err, target)
}
