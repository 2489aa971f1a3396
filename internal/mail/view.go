package mail

import (
	"time"

	"github.com/jcarver/mailsync/internal/mailstore"
)

// CycleView is the narrow capability handed to handler subscriptions
// during a poll cycle, in place of the cycle's raw session. Handlers
// can count and read messages but cannot mutate the store.
type CycleView interface {
	MessageCount(folder string) (int, error)
	// MessagesRange fetches messages by sequence number, inclusive on
	// both ends. The range is clamped to the mailbox size.
	MessagesRange(folder string, from, to uint32) ([]*mailstore.Message, error)
	// MessagesSince fetches messages received strictly after since.
	MessagesSince(folder string, since time.Time) ([]*mailstore.Message, error)
}

type cycleView struct {
	session mailstore.Session
}

func (v *cycleView) MessageCount(folder string) (int, error) {
	mbox, err := v.session.Select(folder, true)
	if err != nil {
		return 0, err
	}
	defer mbox.Close(false) //nolint:errcheck
	return mbox.Total(), nil
}

func (v *cycleView) MessagesRange(folder string, from, to uint32) ([]*mailstore.Message, error) {
	mbox, err := v.session.Select(folder, true)
	if err != nil {
		return nil, err
	}
	defer mbox.Close(false) //nolint:errcheck

	if from < 1 {
		from = 1
	}
	if total := uint32(mbox.Total()); to > total {
		to = total
	}
	if from > to {
		return nil, nil
	}

	seqs := make([]uint32, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		seqs = append(seqs, seq)
	}
	return mbox.Fetch(seqs)
}

func (v *cycleView) MessagesSince(folder string, since time.Time) ([]*mailstore.Message, error) {
	mbox, err := v.session.Select(folder, true)
	if err != nil {
		return nil, err
	}
	defer mbox.Close(false) //nolint:errcheck

	seqs, err := mbox.Search(&since)
	if err != nil {
		return nil, err
	}
	msgs, err := mbox.Fetch(seqs)
	if err != nil {
		return nil, err
	}

	filtered := msgs[:0]
	for _, msg := range msgs {
		if msg.ReceivedAt.After(since) {
			filtered = append(filtered, msg)
		}
	}
	return filtered, nil
}
