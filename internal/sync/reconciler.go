package sync

import (
	"cmp"
	"slices"

	"github.com/matheus3301/wppdesk/internal/store"
)

// Merge reconciles a batch of messages into a chat's sequence. Messages whose
// id is already present keep their fields, except that a further-along
// delivery status in the batch is taken over. The result is sorted by
// timestamp with ties broken by id. current is not modified. added holds the
// messages that were new, in the order they appear in the result.
//
// Merge is idempotent: Merge(Merge(s, b), b) yields the same sequence and no
// additions.
func Merge(current, batch []store.Message) (merged, added []store.Message) {
	pos := make(map[string]int, len(current)+len(batch))
	merged = make([]store.Message, 0, len(current)+len(batch))
	for _, m := range current {
		if _, dup := pos[m.ID]; dup {
			continue
		}
		pos[m.ID] = len(merged)
		merged = append(merged, m)
	}

	fresh := make(map[string]struct{})
	for _, m := range batch {
		if i, dup := pos[m.ID]; dup {
			if m.Status.Rank() > merged[i].Status.Rank() {
				merged[i].Status = m.Status
			}
			continue
		}
		pos[m.ID] = len(merged)
		fresh[m.ID] = struct{}{}
		merged = append(merged, m)
	}

	slices.SortStableFunc(merged, compareMessages)
	if len(fresh) == 0 {
		return merged, nil
	}
	for _, m := range merged {
		if _, ok := fresh[m.ID]; ok {
			added = append(added, m)
		}
	}
	return merged, added
}

// StatusChanges lists the known messages whose delivery status batch would
// advance.
func StatusChanges(current, batch []store.Message) []StatusUpdate {
	rank := make(map[string]int, len(current))
	for _, m := range current {
		rank[m.ID] = m.Status.Rank()
	}
	var out []StatusUpdate
	for _, m := range batch {
		r, ok := rank[m.ID]
		if !ok || m.Status.Rank() <= r {
			continue
		}
		rank[m.ID] = m.Status.Rank()
		out = append(out, StatusUpdate{ChatID: m.ChatID, MessageID: m.ID, Status: m.Status})
	}
	return out
}

func compareMessages(a, b store.Message) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// AdvanceStatus applies a delivery status update. Statuses only move forward
// (pending, sent, delivered, read); it reports whether the message changed.
func AdvanceStatus(msgs []store.Message, id string, st store.DeliveryStatus) bool {
	for i := range msgs {
		if msgs[i].ID != id {
			continue
		}
		if st.Rank() <= msgs[i].Status.Rank() {
			return false
		}
		msgs[i].Status = st
		return true
	}
	return false
}

func compareChats(a, b store.Chat) int {
	if a.Pinned != b.Pinned {
		if a.Pinned {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
