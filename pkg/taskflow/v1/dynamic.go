package taskflowv1

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// DynamicJobSpec is a sub-graph produced by a task body at run time instead of
// a value. Its payload is opaque to tasks and translators; whatever executes
// the enclosing graph decides how to interpret it.
type DynamicJobSpec struct {
	// MinSuccesses is the number of sub-nodes that must succeed.
	MinSuccesses int
	Payload      *structpb.Struct
}

func (*DynamicJobSpec) isDispatchResult() {}
