// Package ui renders CLI output: colored status lines, tables and prompts.
package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// ErrNotInteractive is returned by Confirm when stdin is not a terminal.
var ErrNotInteractive = errors.New("stdin is not a terminal")

// Color modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Options configures a UI.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  *os.File
	// Color is auto, always or never. Empty means auto.
	Color string
}

// UI writes styled output.
type UI struct {
	out      io.Writer
	err      io.Writer
	in       *os.File
	renderer *lipgloss.Renderer

	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	accent lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
}

// New builds a UI. In auto mode color is used only when Stdout is a terminal
// and NO_COLOR is unset.
func New(opts Options) (*UI, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}

	profile, err := colorProfile(opts.Stdout, opts.Color)
	if err != nil {
		return nil, err
	}

	r := lipgloss.NewRenderer(opts.Stdout)
	r.SetColorProfile(profile)

	return &UI{
		out:      opts.Stdout,
		err:      opts.Stderr,
		in:       opts.Stdin,
		renderer: r,
		pass:     r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:     r.NewStyle().Foreground(lipgloss.Color("3")),
		fail:     r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		accent:   r.NewStyle().Foreground(lipgloss.Color("6")),
		muted:    r.NewStyle().Foreground(lipgloss.Color("8")),
		header:   r.NewStyle().Bold(true),
	}, nil
}

func colorProfile(w io.Writer, mode string) (termenv.Profile, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ColorAuto:
		if !IsTerminal(w) {
			return termenv.Ascii, nil
		}
		return termenv.NewOutput(w).EnvColorProfile(), nil
	case ColorAlways:
		return termenv.ANSI256, nil
	case ColorNever:
		return termenv.Ascii, nil
	default:
		return termenv.Ascii, fmt.Errorf("invalid --color %q (want auto, always or never)", mode)
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Out is the stdout writer.
func (u *UI) Out() io.Writer { return u.out }

// Err is the stderr writer.
func (u *UI) Err() io.Writer { return u.err }

func (u *UI) RenderPass(s string) string   { return u.pass.Render(s) }
func (u *UI) RenderWarn(s string) string   { return u.warn.Render(s) }
func (u *UI) RenderFail(s string) string   { return u.fail.Render(s) }
func (u *UI) RenderAccent(s string) string { return u.accent.Render(s) }
func (u *UI) RenderMuted(s string) string  { return u.muted.Render(s) }
func (u *UI) RenderHeader(s string) string { return u.header.Render(s) }

// Successf prints a green check line to stdout.
func (u *UI) Successf(format string, args ...any) {
	fmt.Fprintf(u.out, "%s %s\n", u.pass.Render("✓"), fmt.Sprintf(format, args...))
}

// Warnf prints a warning line to stderr.
func (u *UI) Warnf(format string, args ...any) {
	fmt.Fprintf(u.err, "%s %s\n", u.warn.Render("!"), fmt.Sprintf(format, args...))
}

// Errorf prints an error line to stderr.
func (u *UI) Errorf(format string, args ...any) {
	fmt.Fprintf(u.err, "%s %s\n", u.fail.Render("✗"), fmt.Sprintf(format, args...))
}

// Field prints an aligned "label: value" line.
func (u *UI) Field(label, value string) {
	fmt.Fprintf(u.out, "%s %s\n", u.muted.Render(fmt.Sprintf("%-16s", label+":")), value)
}

// Table renders rows under headers with a rounded border.
func (u *UI) Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(u.muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := u.renderer.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Inherit(u.header)
			}
			return s
		})
	return t.String()
}

// Confirm asks a yes/no question on the terminal.
func (u *UI) Confirm(title string) (bool, error) {
	if !IsTerminal(u.in) {
		return false, ErrNotInteractive
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
