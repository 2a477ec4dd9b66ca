package mail

import (
	"io"
	"mime"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"golang.org/x/text/unicode/norm"

	"cuenly-ingest/internal/ingesterr"
)

const scanCandidateCap = 200

// Window bounds a scan; Since is clamped by the caller to the account
// owner's email_processing_start_date.
type Window struct {
	Since  *time.Time
	Before *time.Time
	Unseen bool // true: UNSEEN search; false: ALL
}

// Candidate is a subject-matched message awaiting full fetch.
type Candidate struct {
	UID     uint32
	Subject string
}

// Scan implements C5: select INBOX, UID SEARCH with the window's flags,
// sort descending and truncate to scanCandidateCap, batch-fetch subjects,
// normalize and match, return ascending UIDs.
func Scan(c *client.Client, win Window, terms []string) ([]Candidate, error) {
	if _, err := c.Select("INBOX", false); err != nil {
		return nil, ingesterr.EmailConnection(err)
	}

	criteria := imap.NewSearchCriteria()
	if win.Unseen {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if win.Since != nil {
		criteria.Since = *win.Since
	}
	if win.Before != nil {
		criteria.Before = *win.Before
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, ingesterr.EmailParse(err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > scanCandidateCap {
		uids = uids[:scanCandidateCap]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier, Fields: []string{"SUBJECT"}},
		Peek:         true,
	}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	normalizedTerms := make([]string, 0, len(terms))
	for _, t := range terms {
		if nt := NormalizeSubject(t); nt != "" {
			normalizedTerms = append(normalizedTerms, nt)
		}
	}

	messages := make(chan *imap.Message, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.UidFetch(seqSet, items, messages)
	}()

	var matched []Candidate
	for msg := range messages {
		if msg == nil {
			continue
		}
		subject := extractSubject(msg, section)
		if matchesTerms(subject, normalizedTerms) {
			matched = append(matched, Candidate{UID: msg.Uid, Subject: subject})
		}
	}
	if err := <-errCh; err != nil {
		return nil, ingesterr.EmailParse(err)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].UID < matched[j].UID })
	return matched, nil
}

func extractSubject(msg *imap.Message, section *imap.BodySectionName) string {
	for _, lit := range msg.Body {
		raw, err := io.ReadAll(lit)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(raw), "\r\n") {
			if v, ok := strings.CutPrefix(strings.ToLower(line), "subject:"); ok {
				dec := new(mime.WordDecoder)
				decoded, derr := dec.DecodeHeader(strings.TrimSpace(v))
				if derr != nil {
					return strings.TrimSpace(v)
				}
				return decoded
			}
		}
	}
	if msg.Envelope != nil {
		return msg.Envelope.Subject
	}
	return ""
}

// NormalizeSubject implements spec.md's subject normalization: Unicode
// NFKD, lowercased, diacritics stripped.
func NormalizeSubject(s string) string {
	decomposed := norm.NFKD.String(strings.ToLower(strings.TrimSpace(s)))
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue // combining mark produced by NFKD decomposition
		}
		b.WriteRune(r)
	}
	return b.String()
}

func matchesTerms(subject string, normalizedTerms []string) bool {
	if len(normalizedTerms) == 0 {
		return false
	}
	normalized := NormalizeSubject(subject)
	for _, term := range normalizedTerms {
		if strings.Contains(normalized, term) {
			return true
		}
	}
	return false
}
