package safety

import (
	"fmt"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

// RejectedError is a run stopped by the gate at Stage 1 or Stage 4.
type RejectedError struct {
	Stage   int
	Verdict *types.SafetyVerdict
}

func (e *RejectedError) Error() string {
	if e.Verdict == nil || len(e.Verdict.Codes) == 0 {
		return fmt.Sprintf("stage %d safety check rejected the content", e.Stage)
	}
	return fmt.Sprintf("stage %d safety check rejected the content: %s", e.Stage, strings.Join(e.Verdict.Codes, ","))
}

func (e *RejectedError) ErrorID() string { return "SafetyRejected" }
