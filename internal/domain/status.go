package domain

import "fmt"

// On-chain escrow contract milestone statuses.
const (
	ChainPending       = 0
	ChainSubmitted     = 1
	ChainUnderRevision = 2
	ChainApproved      = 3
	ChainPaid          = 4
	ChainDisputed      = 5
	ChainCancelled     = 6
)

var chainToStatus = map[int]Status{
	ChainPending:       StatusPending,
	ChainSubmitted:     StatusSubmitted,
	ChainUnderRevision: StatusUnderRevision,
	ChainApproved:      StatusApproved,
	ChainPaid:          StatusPaid,
	ChainDisputed:      StatusDisputed,
	ChainCancelled:     StatusCancelled,
}

var statusToChain = map[Status]int{
	StatusPending:       ChainPending,
	StatusSubmitted:     ChainSubmitted,
	StatusUnderRevision: ChainUnderRevision,
	StatusApproved:      ChainApproved,
	StatusPaid:          ChainPaid,
	StatusDisputed:      ChainDisputed,
	StatusCancelled:     ChainCancelled,
}

// StatusFromChain maps the contract's numeric enum to the canonical status.
func StatusFromChain(v int) (Status, error) {
	s, ok := chainToStatus[v]
	if !ok {
		return "", fmt.Errorf("unknown on-chain status %d", v)
	}
	return s, nil
}

// StatusToChain maps a canonical status to the contract's numeric enum.
func StatusToChain(s Status) (int, error) {
	v, ok := statusToChain[s]
	if !ok {
		return 0, fmt.Errorf("unknown status %q", s)
	}
	return v, nil
}

// ParseStatus validates a mirror/API status string.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if _, ok := statusToChain[s]; !ok {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Mirror dispute states as stored by the external dispute-resolution flow.
const (
	MirrorDisputePending        = "pending"
	MirrorDisputeResolvedWorker = "resolved_worker"
	MirrorDisputeResolvedClient = "resolved_client"
	MirrorDisputeResolvedSplit  = "resolved_split"
	MirrorDisputeCancelled      = "cancelled"
)

// StatusFromMirrorDispute maps a mirror dispute state to the milestone
// status it implies, or "" if it implies none.
func StatusFromMirrorDispute(state string) Status {
	switch state {
	case MirrorDisputeResolvedWorker, MirrorDisputeResolvedSplit:
		return StatusApproved
	case MirrorDisputeResolvedClient:
		return StatusCancelled
	default:
		return ""
	}
}
