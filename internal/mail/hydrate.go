package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/jcarver/mailsync/pkg/types"
)

// partKind classifies a MIME part once so the body walk can switch on
// a tag instead of re-inspecting content-type strings at every
// recursion level.
type partKind int

const (
	partOther partKind = iota
	partPlain
	partHTML
	partMultipart
	partAlternative
	partImage
)

func classify(p *enmime.Part) partKind {
	ct := strings.ToLower(p.ContentType)
	switch {
	case ct == "text/plain":
		return partPlain
	case ct == "text/html":
		return partHTML
	case ct == "multipart/alternative":
		return partAlternative
	case strings.HasPrefix(ct, "multipart/"):
		return partMultipart
	case strings.HasPrefix(ct, "image/"):
		return partImage
	default:
		return partOther
	}
}

var brTagPattern = regexp.MustCompile(`(?i)<br\s*/?>`)

// bodyState accumulates the body while walking the MIME tree.
type bodyState struct {
	text  string
	plain bool
	found bool
}

// set normalizes and stores a body candidate: plain text is wrapped in
// a minimal HTML envelope with newlines as line breaks; HTML gets the
// stray line-break tags stripped.
func (st *bodyState) set(body string, plain bool) {
	if plain {
		body = strings.ReplaceAll(body, "\r\n", "<br>")
		body = strings.ReplaceAll(body, "\n", "<br>")
		st.text = "<html><body>" + body + "</body></html>"
	} else {
		st.text = brTagPattern.ReplaceAllString(body, "")
	}
	st.plain = plain
	st.found = true
}

// hydrate fetches and parses the full content of a cached summary. It
// is memoized: a summary with a body set returns immediately. The
// folder is opened read-write only when the message is unseen, so the
// seen flag can be set afterwards.
func (s *Service) hydrate(summary *types.MessageSummary) error {
	if summary.FullBody != nil {
		return nil
	}

	session, err := s.dialer.Dial()
	if err != nil {
		return fmt.Errorf("failed to connect to mail server: %w", err)
	}
	defer session.Close() //nolint:errcheck

	mbox, err := session.Select(summary.Folder, summary.Seen)
	if err != nil {
		return err
	}
	defer mbox.Close(false) //nolint:errcheck

	// The cached sequence number may be stale after server-side
	// renumbering; that surfaces as not-found rather than a retry.
	msgs, err := mbox.Fetch([]uint32{summary.SeqNum})
	if err != nil {
		return fmt.Errorf("failed to fetch message: %w", err)
	}
	if len(msgs) == 0 || len(msgs[0].Raw) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, summary.ID)
	}

	body, plain, images, err := extractBody(msgs[0].Raw)
	if err != nil {
		return fmt.Errorf("failed to extract message body: %w", err)
	}

	// A message with no extractable body is never memoized: FullBody
	// stays nil and every later read fetches the message again.
	if body != "" {
		summary.FullBody = &body
		summary.PlainTextBody = plain
		summary.InlineImages = images
		if err := s.store.SetBody(summary.Folder, summary.ID, body, plain, images); err != nil {
			return err
		}
	}

	if !summary.Seen {
		if err := mbox.MarkSeen(summary.SeqNum); err != nil {
			s.logger.WithError(err).WithField("message_id", summary.ID).Warn("Failed to mark message seen")
		} else {
			summary.Seen = true
			if err := s.store.MarkSeen(summary.Folder, summary.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// extractBody walks the MIME structure of a raw message and returns
// the normalized body, whether it came from a plain-text part, and any
// inline images keyed by content id.
func extractBody(raw []byte) (string, bool, map[string]string, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return "", false, nil, err
	}

	images := make(map[string]string)
	var state bodyState

	root := env.Root
	switch classify(root) {
	case partPlain:
		state.set(string(root.Content), true)
	case partHTML:
		state.set(string(root.Content), false)
	case partMultipart, partAlternative:
		walkParts(root, &state, images)
	}

	if !state.found {
		return "", false, nil, nil
	}
	return state.text, state.plain, images, nil
}

// walkParts applies the body rules to the children of a multipart
// container. Nested multipart/alternative containers are walked
// recursively with the same rules; an HTML part inside an alternative
// triggers inline-image extraction on its sibling parts.
func walkParts(container *enmime.Part, state *bodyState, images map[string]string) {
	for part := container.FirstChild; part != nil; part = part.NextSibling {
		switch classify(part) {
		case partPlain:
			state.set(string(part.Content), true)
		case partHTML:
			state.set(string(part.Content), false)
		case partAlternative:
			walkAlternative(part, state, images)
		case partMultipart:
			walkParts(part, state, images)
		case partImage:
			saveInlineImage(part, images)
		}
	}
}

func walkAlternative(container *enmime.Part, state *bodyState, images map[string]string) {
	for part := container.FirstChild; part != nil; part = part.NextSibling {
		switch classify(part) {
		case partPlain:
			state.set(string(part.Content), true)
		case partHTML:
			state.set(string(part.Content), false)
			for sibling := container.FirstChild; sibling != nil; sibling = sibling.NextSibling {
				if classify(sibling) == partImage {
					saveInlineImage(sibling, images)
				}
			}
		case partAlternative, partMultipart:
			walkAlternative(part, state, images)
		}
	}
}

// saveInlineImage stores a part's decoded content, base64-encoded,
// keyed by its Content-ID with the angle brackets stripped.
func saveInlineImage(part *enmime.Part, images map[string]string) {
	cid := strings.Trim(part.ContentID, "<>")
	if cid == "" {
		cid = strings.Trim(part.Header.Get("Content-ID"), "<>")
	}
	if cid == "" {
		return
	}
	images[cid] = base64.StdEncoding.EncodeToString(part.Content)
}

// renderBody produces the consumer-facing body. Inline cid references
// in HTML bodies are substituted with base64 data URIs here, at read
// time, so the stored body stays stable. Without an extracted body the
// preview stands in.
func renderBody(summary *types.MessageSummary) *types.Body {
	body := ""
	if summary.FullBody != nil {
		body = *summary.FullBody
	}
	if body != "" && !summary.PlainTextBody {
		for cid, data := range summary.InlineImages {
			body = strings.ReplaceAll(body, "cid:"+cid, "data:image/jpeg;base64,"+data)
		}
	}
	if body == "" && summary.Preview != nil {
		body = *summary.Preview
	}
	return &types.Body{PlainText: summary.PlainTextBody, Body: body}
}
