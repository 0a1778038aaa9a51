package pipeline

// forward lists the non-failure edges of the status DAG.
var forward = map[Status][]Status{
	StatusInteractive:       {StatusRequirementsReady},
	StatusRequirementsReady: {StatusDesigning},
	StatusDesigning:         {StatusGuideWriting},
	StatusGuideWriting:      {StatusValidating, StatusDone},
	StatusValidating:        {StatusDone},
}

// CanTransition reports whether from → to is an edge of the status DAG.
// Every non-terminal status may move to failed; terminal statuses never move.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}
