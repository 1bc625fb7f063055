package profile

import (
	"fmt"
	"strings"
)

// ResolutionError reports a profile reference that could not be loaded or
// parsed.
type ResolutionError struct {
	Ref   string
	Cause error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve profile %q: %v", e.Ref, e.Cause)
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// CyclicInheritanceError reports an extends chain that loops back on
// itself. Chain holds the refs in visit order, ending at the repeat.
type CyclicInheritanceError struct {
	Chain []string
}

func (e *CyclicInheritanceError) Error() string {
	return fmt.Sprintf("cyclic profile inheritance: %s", strings.Join(e.Chain, " -> "))
}
