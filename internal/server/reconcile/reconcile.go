// Package reconcile models cleanup and retransfer tasks that are only done
// once both the center and the originating site have confirmed their side.
package reconcile

import "fmt"

// Kind distinguishes the two task types.
type Kind string

const (
	KindCleanup    Kind = "cleanup"
	KindRetransfer Kind = "retransfer"
)

// Status is derived from the two confirmation flags and is never stored.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCenterDone Status = "center_done"
	StatusSiteDone   Status = "site_done"
	StatusCompleted  Status = "completed"
)

// Side identifies who is confirming.
type Side string

const (
	SideCenter Side = "center"
	SideSite   Side = "site"
)

// Flags is the pair of independent confirmations.
type Flags struct {
	CenterDone bool
	SiteDone   bool
}

// StatusOf computes the task status from its flags.
func StatusOf(f Flags) Status {
	switch {
	case f.CenterDone && f.SiteDone:
		return StatusCompleted
	case f.CenterDone:
		return StatusCenterDone
	case f.SiteDone:
		return StatusSiteDone
	default:
		return StatusPending
	}
}

// Confirm returns the flags after side confirms. Confirming twice is a no-op.
func (f Flags) Confirm(side Side) Flags {
	switch side {
	case SideCenter:
		f.CenterDone = true
	case SideSite:
		f.SiteDone = true
	}
	return f
}

// Status is shorthand for StatusOf(f).
func (f Flags) Status() Status {
	return StatusOf(f)
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCleanup, KindRetransfer:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusCenterDone, StatusSiteDone, StatusCompleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// FlagsFor returns the flag values a stored task must have to be in status s.
func FlagsFor(s Status) Flags {
	switch s {
	case StatusCompleted:
		return Flags{CenterDone: true, SiteDone: true}
	case StatusCenterDone:
		return Flags{CenterDone: true}
	case StatusSiteDone:
		return Flags{SiteDone: true}
	}
	return Flags{}
}
