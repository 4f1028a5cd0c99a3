package registry

// Usage is a bit set of the programs a backend may be opened from.
type Usage uint8

const (
	// UsageCLI marks backends the capvault CLI and tools may open.
	UsageCLI Usage = 1 << iota
	// UsageDaemon marks backends the blob daemon can serve.
	UsageDaemon
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }
