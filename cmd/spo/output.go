package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"spoctl/internal/auth"
	"spoctl/internal/spo"
)

const (
	outputText = "text"
	outputJSON = "json"
)

var (
	colorSuccess = lipgloss.Color("#8BC34A")
	colorError   = lipgloss.Color("#e53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorMuted   = lipgloss.Color("#6B7280")

	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	hintStyle    = lipgloss.NewStyle().Foreground(colorWarning)
	labelStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes a one-line confirmation in text mode, or payload in
// JSON mode.
func printResult(w io.Writer, message string, payload any) error {
	if outputFormat == outputJSON {
		return printJSON(w, payload)
	}
	_, err := fmt.Fprintln(w, successStyle.Render("✓ ")+message)
	return err
}

func printEntity(w io.Writer, e *spo.StorageEntity) error {
	if outputFormat == outputJSON {
		return printJSON(w, e)
	}
	fields := [][2]string{
		{"Key", e.Key},
		{"Value", e.Value},
		{"Description", e.Description},
		{"Comment", e.Comment},
	}
	for _, f := range fields {
		if _, err := fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", f[0]+":")), f[1]); err != nil {
			return err
		}
	}
	return nil
}

func printEntities(w io.Writer, entities []spo.StorageEntity) error {
	if outputFormat == outputJSON {
		return printJSON(w, entities)
	}
	if len(entities) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("No storage entities found"))
		return err
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("KEY", "VALUE", "DESCRIPTION", "COMMENT").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return labelStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, e := range entities {
		t.Row(e.Key, e.Value, e.Description, e.Comment)
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func printStatus(w io.Writer, st authStatus) error {
	if outputFormat == outputJSON {
		return printJSON(w, st)
	}
	if !st.Authenticated {
		_, err := fmt.Fprintln(w, hintStyle.Render("Not signed in.")+" Run 'spo login'.")
		return err
	}
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
		}
	}
	line("Source", st.Source)
	line("Account", st.Account)
	line("Tenant", st.TenantID)
	if st.Expiry != nil {
		line("Expires", st.Expiry.Local().Format("2006-01-02 15:04:05"))
	}
	line("Cache", st.TokenFile)
	for _, r := range st.Resources {
		state := successStyle.Render("valid")
		if !r.Valid {
			state = mutedStyle.Render("expired")
		}
		fmt.Fprintf(w, "  %s  %s (%s)\n", r.Resource, r.Expiry.Local().Format("2006-01-02 15:04:05"), state)
	}
	return nil
}

type errorOutput struct {
	Error string   `json:"error"`
	Kind  string   `json:"kind"`
	Hints []string `json:"hints,omitempty"`
}

// printError reports err on w with its hints.
func printError(w io.Writer, err error) {
	out := errorOutput{Error: err.Error(), Kind: spo.KindOf(err).String()}
	var spoErr *spo.Error
	if errors.As(err, &spoErr) {
		out.Hints = spoErr.Hints
	}
	if errors.Is(err, auth.ErrNotAuthenticated) || errors.Is(err, auth.ErrTokenExpired) {
		out.Kind = spo.KindAuth.String()
	}

	if outputFormat == outputJSON {
		_ = printJSON(w, out)
		return
	}
	fmt.Fprintln(w, errorStyle.Render("Error: ")+out.Error)
	for _, h := range out.Hints {
		fmt.Fprintln(w, hintStyle.Render("  - "+h))
	}
}

func validOutputFormat(f string) error {
	switch strings.ToLower(f) {
	case outputText, outputJSON:
		return nil
	default:
		return fmt.Errorf("invalid --output %q (want text or json)", f)
	}
}
