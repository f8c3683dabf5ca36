package conversation

import (
	"time"

	"github.com/leadwave/wpsync/internal/domain"
)

// clockSkew is how far a confirmed message's timestamp may precede its
// provisional counterpart and still be considered the same send.
const clockSkew = 10 * time.Second

// Merge reconciles the local list with the authoritative remote list and
// returns the new local list. It does not modify its arguments.
//
// The result is remote, in remote order, followed by every local provisional
// message that has no confirmed counterpart yet. A pending provisional is
// dropped once remote holds an outbound message with the same content that was
// not already shown locally. Failed provisionals stay until resent. For ids
// present in both lists the shown status never moves backwards.
//
// local must hold the previously applied remote list; ids it already shows
// are never taken as confirmations.
func Merge(local, remote []domain.Message) []domain.Message {
	return merge(local, remote, true)
}

// MergeFirst is Merge for a conversation whose list has never been loaded.
// With no baseline to tell history from new confirmations, a pending
// provisional is only matched by a remote message whose timestamp shows it
// was sent no earlier than the provisional, give or take clockSkew.
func MergeFirst(local, remote []domain.Message) []domain.Message {
	return merge(local, remote, false)
}

func merge(local, remote []domain.Message, anchored bool) []domain.Message {
	shown := make(map[int64]domain.MessageStatus, len(local))
	provisional := 0
	for _, m := range local {
		if m.Provisional() {
			provisional++
			continue
		}
		shown[m.ID] = m.Status
	}

	out := make([]domain.Message, 0, len(remote)+provisional)
	for _, m := range remote {
		if prev, ok := shown[m.ID]; ok {
			m.Status = prev.Advance(m.Status)
		}
		out = append(out, m)
	}
	if provisional == 0 {
		return out
	}

	claimed := make(map[int64]bool)
	for _, p := range local {
		if !p.Provisional() {
			continue
		}
		if p.Status == domain.StatusPending {
			if id, ok := counterpart(p, remote, shown, claimed, anchored); ok {
				claimed[id] = true
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// counterpart finds the first remote message that confirms provisional p.
func counterpart(p domain.Message, remote []domain.Message, shown map[int64]domain.MessageStatus, claimed map[int64]bool, anchored bool) (int64, bool) {
	stamped := !p.CreatedAt.IsZero()
	for _, r := range remote {
		if r.Provisional() || r.Direction != domain.Outbound {
			continue
		}
		if _, seen := shown[r.ID]; seen || claimed[r.ID] {
			continue
		}
		if !sameContent(p, r) {
			continue
		}
		if !stamped || r.CreatedAt.IsZero() {
			if !anchored {
				continue
			}
		} else if r.CreatedAt.Before(p.CreatedAt.Add(-clockSkew)) {
			continue
		}
		return r.ID, true
	}
	return 0, false
}

func sameContent(a, b domain.Message) bool {
	if a.Body != b.Body {
		return false
	}
	if a.Media() == "" || b.Media() == "" {
		// The backend may rewrite media URLs; only compare kinds then.
		return a.Type == b.Type || a.Type == "" || b.Type == ""
	}
	return a.Media() == b.Media()
}
