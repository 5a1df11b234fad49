package registry

// State is one of the module lifecycle states defined in spec §3. The
// zero value is Unknown.
type State int

const (
	Unknown State = iota
	Discovered
	Building
	Built
	Loading
	Loaded
	Linking
	Linked
	Initializing
	Active
	HotSwapping
	Pausing
	Paused
	Resuming
	Stopping
	Error
	Unloading
	Unloaded
)

var stateNames = map[State]string{
	Unknown:      "Unknown",
	Discovered:   "Discovered",
	Building:     "Building",
	Built:        "Built",
	Loading:      "Loading",
	Loaded:       "Loaded",
	Linking:      "Linking",
	Linked:       "Linked",
	Initializing: "Initializing",
	Active:       "Active",
	HotSwapping:  "HotSwapping",
	Pausing:      "Pausing",
	Paused:       "Paused",
	Resuming:     "Resuming",
	Stopping:     "Stopping",
	Error:        "Error",
	Unloading:    "Unloading",
	Unloaded:     "Unloaded",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether s is Unloaded or Error; Error is terminal only
// in the sense that no further transition is attempted automatically (a
// quarantined module can still be explicitly retired).
func (s State) Terminal() bool {
	return s == Unloaded || s == Error
}

// transitions enumerates the legal state graph. A transition not listed
// here is rejected with ErrIllegalTransition.
var transitions = map[State][]State{
	Discovered:   {Building, Stopping, Error},
	Building:     {Built, Stopping, Error},
	Built:        {Loading, Stopping, Error},
	Loading:      {Loaded, Stopping, Error},
	Loaded:       {Linking, Stopping, Error},
	Linking:      {Linked, Stopping, Error},
	Linked:       {Initializing, Stopping, Error},
	Initializing: {Active, Stopping, Error},
	Active:       {HotSwapping, Pausing, Stopping, Error},
	HotSwapping:  {Active, Stopping, Error},
	Pausing:      {Paused, Stopping, Error},
	Paused:       {Resuming, Stopping, Error},
	Resuming:     {Active, Stopping, Error},
	Stopping:     {Unloading, Error},
	Unloading:    {Unloaded, Error},
	Error:        {Stopping, Unloading, Discovered},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
