// Package probe asks the operating system what the user is looking at and
// how long the input devices have been idle.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
)

var (
	ErrNoWindow    = errors.New("no active window")
	ErrUnsupported = errors.New("not supported on this platform")
)

type Window struct {
	App   string `json:"app"`
	Title string `json:"title"`
}

// Probe is everything the sampler and the idle detector need from the OS.
// Implementations return errors instead of panicking; callers treat an error
// as "no data this tick".
type Probe interface {
	ActiveWindow(ctx context.Context) (Window, error)
	// BrowserURL returns the active tab URL of app, or "" when the browser
	// or platform does not expose one.
	BrowserURL(ctx context.Context, app string) (string, error)
	SystemIdleTime(ctx context.Context) (time.Duration, error)
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ProcessNamer maps a pid to its executable name.
type ProcessNamer func(pid int32) (string, error)

func processName(pid int32) (string, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return "", err
	}
	return p.Name()
}

// System shells out to per-platform tools: osascript and ioreg on darwin,
// xdotool and xprintidle on linux, PowerShell on windows.
type System struct {
	goos   string
	runner Runner
	names  ProcessNamer
}

func NewSystem() *System {
	return NewSystemWith(runtime.GOOS, OSRunner{}, processName)
}

func NewSystemWith(goos string, runner Runner, names ProcessNamer) *System {
	if names == nil {
		names = processName
	}
	return &System{goos: goos, runner: runner, names: names}
}

const unknownApp = "Unknown App"

const darwinFrontWindow = `tell application "System Events"
	set frontApp to name of first application process whose frontmost is true
	set frontTitle to ""
	try
		set frontTitle to name of first window of (first application process whose frontmost is true)
	end try
end tell
return frontApp & linefeed & frontTitle`

const windowsFrontWindow = `Add-Type @"
using System;
using System.Runtime.InteropServices;
using System.Text;
public class FG {
  [DllImport("user32.dll")] public static extern IntPtr GetForegroundWindow();
  [DllImport("user32.dll")] public static extern int GetWindowText(IntPtr h, StringBuilder s, int n);
  [DllImport("user32.dll")] public static extern uint GetWindowThreadProcessId(IntPtr h, out uint pid);
}
"@
$h = [FG]::GetForegroundWindow()
$sb = New-Object System.Text.StringBuilder 512
[void][FG]::GetWindowText($h, $sb, $sb.Capacity)
$fpid = 0
[void][FG]::GetWindowThreadProcessId($h, [ref]$fpid)
(Get-Process -Id $fpid).ProcessName
$sb.ToString()`

const windowsIdleMillis = `Add-Type @"
using System;
using System.Runtime.InteropServices;
public class Idle {
  [StructLayout(LayoutKind.Sequential)] public struct LII { public uint cbSize; public uint dwTime; }
  [DllImport("user32.dll")] public static extern bool GetLastInputInfo(ref LII p);
  public static uint Millis() {
    LII l = new LII(); l.cbSize = (uint)Marshal.SizeOf(l);
    GetLastInputInfo(ref l);
    return (uint)Environment.TickCount - l.dwTime;
  }
}
"@
[Idle]::Millis()`

var browserScripts = map[string]string{
	"Google Chrome":  `tell application "Google Chrome" to return URL of active tab of front window`,
	"Firefox":        `tell application "Firefox" to return URL of active tab of front window`,
	"Safari":         `tell application "Safari" to return URL of current tab of front window`,
	"Microsoft Edge": `tell application "Microsoft Edge" to return URL of active tab of front window`,
}

func (s *System) ActiveWindow(ctx context.Context) (Window, error) {
	switch s.goos {
	case "darwin":
		out, err := s.runner.Run(ctx, "osascript", "-e", darwinFrontWindow)
		if err != nil {
			return Window{}, fmt.Errorf("osascript front window: %w", err)
		}
		return splitWindow(out)
	case "windows":
		out, err := s.runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", windowsFrontWindow)
		if err != nil {
			return Window{}, fmt.Errorf("powershell front window: %w", err)
		}
		return splitWindow(out)
	case "linux":
		return s.linuxWindow(ctx)
	}
	return Window{}, fmt.Errorf("active window on %s: %w", s.goos, ErrUnsupported)
}

func (s *System) linuxWindow(ctx context.Context) (Window, error) {
	out, err := s.runner.Run(ctx, "xdotool", "getactivewindow", "getwindowname")
	if err != nil {
		return Window{}, fmt.Errorf("xdotool window name: %w", err)
	}
	w := Window{App: unknownApp, Title: strings.TrimSpace(string(out))}

	// The app name is best effort: a window without _NET_WM_PID keeps the
	// placeholder.
	out, err = s.runner.Run(ctx, "xdotool", "getactivewindow", "getwindowpid")
	if err != nil {
		return w, nil
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 32)
	if err != nil {
		return w, nil
	}
	if name, err := s.names(int32(pid)); err == nil && name != "" {
		w.App = name
	}
	return w, nil
}

// splitWindow reads "app\ntitle..." where the title may span lines.
func splitWindow(out []byte) (Window, error) {
	text := strings.TrimSpace(strings.ReplaceAll(string(out), "\r\n", "\n"))
	if text == "" {
		return Window{}, ErrNoWindow
	}
	app, title, _ := strings.Cut(text, "\n")
	return Window{App: strings.TrimSpace(app), Title: strings.TrimSpace(title)}, nil
}

func (s *System) BrowserURL(ctx context.Context, app string) (string, error) {
	if s.goos != "darwin" {
		return "", nil
	}
	script, ok := browserScripts[app]
	if !ok {
		return "", nil
	}
	out, err := s.runner.Run(ctx, "osascript", "-e", script)
	if err != nil {
		return "", fmt.Errorf("read %s url: %w", app, err)
	}
	return strings.TrimSpace(string(out)), nil
}

var hidIdle = regexp.MustCompile(`"HIDIdleTime"\s*=\s*(\d+)`)

func (s *System) SystemIdleTime(ctx context.Context) (time.Duration, error) {
	switch s.goos {
	case "darwin":
		out, err := s.runner.Run(ctx, "ioreg", "-c", "IOHIDSystem", "-d", "4")
		if err != nil {
			return 0, fmt.Errorf("ioreg: %w", err)
		}
		m := hidIdle.FindSubmatch(out)
		if m == nil {
			return 0, errors.New("ioreg: HIDIdleTime not found")
		}
		ns, err := strconv.ParseInt(string(m[1]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("ioreg: %w", err)
		}
		return time.Duration(ns), nil
	case "linux":
		return s.millis(ctx, "xprintidle")
	case "windows":
		return s.millis(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", windowsIdleMillis)
	}
	return 0, fmt.Errorf("idle time on %s: %w", s.goos, ErrUnsupported)
}

func (s *System) millis(ctx context.Context, name string, args ...string) (time.Duration, error) {
	out, err := s.runner.Run(ctx, name, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s output: %w", name, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
