package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one message of the archiver feed.
type Event struct {
	Topic string // Topic is DATA or SUMMARY_BLOB
	ID    string // ID is the message id
	Data  []byte // Data is the JSON payload
}

// Follow streams the feed topic and calls fn for every event until ctx ends,
// the stream closes or fn returns an error.
func (c *Client) Follow(ctx context.Context, topic string, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/feed/"+topic, nil)
	if err != nil {
		return fmt.Errorf("GET feed %s:\n%w", topic, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET feed %s:\n%w", topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET feed %s: status %d", topic, resp.StatusCode)
	}

	if err := readEvents(resp.Body, fn); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

// readEvents parses a server-sent event stream. Events end at a blank line.
func readEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 32<<20)

	var ev Event
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if ev.Data != nil {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = Event{}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Topic = value
		case "id":
			ev.ID = value
		case "data":
			ev.Data = append(ev.Data, value...)
		}
	}

	return scanner.Err()
}
