package vmpool

import "github.com/telemyapp/aegis-play/internal/model"

var edges = map[model.VMStatus][]model.VMStatus{
	model.VMTemplate:     {model.VMProvisioning, model.VMError},
	model.VMProvisioning: {model.VMBooting, model.VMDraining, model.VMError},
	model.VMBooting:      {model.VMReady, model.VMDraining, model.VMError},
	model.VMReady:        {model.VMInUse, model.VMDraining, model.VMError},
	model.VMInUse:        {model.VMReady, model.VMDraining, model.VMError},
	model.VMDraining:     {model.VMTerminated, model.VMError},
	model.VMError:        {model.VMTerminated},
}

// CanTransition reports whether from → to is a defined edge.
func CanTransition(from, to model.VMStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}
