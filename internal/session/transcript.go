package session

import (
	"bufio"
	"fmt"
	"io"
	"time"
)

const crisisFootnote = " *(crisis alert triggered — helpline shown: [findahelpline.com](https://findahelpline.com))*"

// Meta is printed in the transcript header.
type Meta struct {
	Date  time.Time
	Model string
}

// WriteTranscript renders entries as a Markdown session log.
func WriteTranscript(w io.Writer, entries []Entry, meta Meta) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# Planchette Talking Board — Session Log\n\n")
	fmt.Fprintf(bw, "**Date:** %s  \n", meta.Date.Format("January 2, 2006"))
	fmt.Fprintf(bw, "**Model:** %s\n\n---\n\n", meta.Model)

	for _, e := range entries {
		switch {
		case e.Role == RoleUser:
			fmt.Fprintf(bw, "**You:** %s\n\n", e.Text)
		case e.Flagged:
			fmt.Fprintf(bw, "**Spirit:** %s%s\n\n", e.Text, crisisFootnote)
		default:
			fmt.Fprintf(bw, "**Spirit:** %s\n\n", e.Text)
		}
	}
	return bw.Flush()
}

// TranscriptFilename is the default export name for a session on day t.
func TranscriptFilename(t time.Time) string {
	return "planchette-session-" + t.Format("2006-01-02") + ".md"
}
