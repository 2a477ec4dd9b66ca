package worker

import (
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// fetchMessage retrieves uid's envelope (for its RFC822 Message-ID) and
// full raw body in a single fetch, peeking the body so the \Seen flag is
// only ever set explicitly, by markSeen, once persistence has succeeded.
func fetchMessage(c *client.Client, uid uint32) (*imap.Envelope, []byte, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.UidFetch(seqSet, items, messages)
	}()

	var envelope *imap.Envelope
	var raw []byte
	for msg := range messages {
		if msg == nil || msg.Uid != uid {
			continue
		}
		envelope = msg.Envelope
		for _, lit := range msg.Body {
			data, err := io.ReadAll(lit)
			if err != nil {
				return nil, nil, fmt.Errorf("read message body: %w", err)
			}
			raw = data
		}
	}
	if err := <-errCh; err != nil {
		return nil, nil, fmt.Errorf("uid fetch %d: %w", uid, err)
	}
	if raw == nil {
		return nil, nil, fmt.Errorf("message %d not found", uid)
	}
	return envelope, raw, nil
}

// markSeen sets the \Seen flag on uid. Fetches always peek, so this is
// the only place a message's read state changes.
func markSeen(c *client.Client, uid uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	flags := []interface{}{imap.SeenFlag}
	return c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil)
}
