package terminal

import (
	"errors"
)

// Renderer errors. Fatal errors unwind the current frame with no partial
// presentation; the next Render call re-runs the full settings update path.
var (
	// ErrDeviceLost is wrapped around device failures that invalidate all
	// GPU resources. The caller may recreate the device and retry.
	ErrDeviceLost = errors.New("terminal: graphics device lost")

	// ErrInvalidPayload is returned when the payload's parallel arrays or
	// dimensions are inconsistent. It is a precondition violation.
	ErrInvalidPayload = errors.New("terminal: invalid rendering payload")

	// ErrShaderCompileFailed is passed to the payload's WarningCallback
	// when a custom shader fails to compile. It is never returned from
	// Render: the frame proceeds without the custom shader.
	ErrShaderCompileFailed = errors.New("terminal: custom shader compilation failed")
)
