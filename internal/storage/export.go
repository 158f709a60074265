package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportTable renders records as a fixed-width table for the CLI.
func ExportTable(records []SandboxRecord, now time.Time) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("%-14s %-10s %-10s %-8s %-14s %s\n", "SANDBOX", "STATUS", "RUNTIME", "MODE", "CLIENT", "CREATED"))
	b.WriteString(strings.Repeat("─", 76) + "\n")

	for _, r := range records {
		b.WriteString(fmt.Sprintf("%-14s %-10s %-10s %-8s %-14s %s\n",
			shortID(r.ID), r.Status, r.Runtime, r.Mode, shortID(r.ClientID), timeAgo(now, r.CreatedAt)))
	}
	return b.String()
}

// ExportJSON renders records as formatted JSON.
func ExportJSON(records []SandboxRecord) ([]byte, error) {
	if records == nil {
		records = []SandboxRecord{}
	}
	return json.MarshalIndent(records, "", "  ")
}

func shortID(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func timeAgo(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
