package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"chatsdk/pkg/chat"
)

type threadView struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name,omitempty" yaml:"name,omitempty"`
	State           string        `json:"state" yaml:"state"`
	Agent           string        `json:"agent,omitempty" yaml:"agent,omitempty"`
	PositionInQueue int           `json:"positionInQueue,omitempty" yaml:"positionInQueue,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt" yaml:"updatedAt"`
	Messages        []messageView `json:"messages,omitempty" yaml:"messages,omitempty"`
}

type messageView struct {
	ID          string    `json:"id" yaml:"id"`
	Direction   string    `json:"direction" yaml:"direction"`
	Status      string    `json:"status" yaml:"status"`
	Author      string    `json:"author,omitempty" yaml:"author,omitempty"`
	Text        string    `json:"text,omitempty" yaml:"text,omitempty"`
	Attachments []string  `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
}

func viewOf(t chat.Thread, withMessages bool) threadView {
	v := threadView{
		ID:              t.ID,
		Name:            t.Name,
		State:           t.State.String(),
		PositionInQueue: t.PositionInQueue,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.Agent != nil {
		v.Agent = t.Agent.Name()
	}
	if withMessages {
		for _, m := range t.Messages {
			v.Messages = append(v.Messages, messageViewOf(m))
		}
	}
	return v
}

func messageViewOf(m chat.Message) messageView {
	mv := messageView{
		ID:        m.ID,
		Direction: m.Direction.String(),
		Status:    m.Status.String(),
		Author:    m.Author,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	}
	for _, a := range m.Attachments {
		mv.Attachments = append(mv.Attachments, a.URL)
	}
	return mv
}

// renderThreads writes threads as a table, JSON or YAML.
func renderThreads(w io.Writer, threads []chat.Thread, format string, withMessages bool) error {
	views := make([]threadView, 0, len(threads))
	for _, t := range threads {
		views = append(views, viewOf(t, withMessages))
	}

	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(views)
	case "", "table":
		return renderTable(w, views)
	default:
		return fmt.Errorf("unknown format %q (use table, json or yaml)", format)
	}
}

func renderTable(w io.Writer, views []threadView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, warningStyle.Render("No threads"))
		return err
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d thread(s)", len(views))))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tAGENT\tUPDATED")
	for _, v := range views {
		name := v.Name
		if name == "" {
			name = "-"
		}
		agent := v.Agent
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			v.ID, name, v.State, agent, v.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, v := range views {
		if len(v.Messages) == 0 {
			continue
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render(v.ID))
		for _, m := range v.Messages {
			fmt.Fprintln(w, formatMessage(m))
		}
	}
	return nil
}

func formatMessage(m messageView) string {
	who := customerStyle.Render("you")
	if m.Direction == chat.ToClient.String() {
		author := m.Author
		if author == "" {
			author = "agent"
		}
		who = agentStyle.Render(author)
	}
	line := fmt.Sprintf("%s %s: %s", dateStyle.Render(m.CreatedAt.Local().Format("15:04")), who, m.Text)
	for _, a := range m.Attachments {
		line += " " + idStyle.Render("["+a+"]")
	}
	return line
}
