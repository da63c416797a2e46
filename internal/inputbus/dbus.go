package inputbus

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"rootsite/internal/logging"
)

// IBus D-Bus names.
const (
	IBusService           = "org.freedesktop.IBus"
	IBusPath              = "/org/freedesktop/IBus"
	IBusInterface         = "org.freedesktop.IBus"
	InputContextInterface = "org.freedesktop.IBus.InputContext"
)

// Input context capabilities.
const (
	CapPreeditText uint32 = 1 << iota
	CapAuxiliaryText
	CapLookupTable
	CapFocus
	CapProperty
	CapSurroundingText
)

var capabilityNames = map[string]uint32{
	"preedit_text":     CapPreeditText,
	"auxiliary_text":   CapAuxiliaryText,
	"lookup_table":     CapLookupTable,
	"focus":            CapFocus,
	"property":         CapProperty,
	"surrounding_text": CapSurroundingText,
}

// ParseCapabilities combines capability names into a mask.
func ParseCapabilities(names []string) (uint32, error) {
	var caps uint32
	for _, name := range names {
		c, ok := capabilityNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown ibus capability: %q", name)
		}
		caps |= c
	}
	return caps, nil
}

// DBusOptions configures DialIBus.
type DBusOptions struct {
	// Address of the IBus bus; empty means IBusAddress().
	Address string
	// ClientName identifies this input context to ibus.
	ClientName string
	// Settle is how long to keep collecting signals after a call.
	Settle time.Duration
	// Capabilities advertised to the input context.
	Capabilities uint32
	Logger       *slog.Logger
}

// DBusCommunicator is an IBus input context. Signals ibus emits in response
// to a call are collected until the bus has been quiet for the settle time
// and delivered before the call returns, so each key event completes
// before the next one starts.
type DBusCommunicator struct {
	conn    *dbus.Conn
	ic      dbus.BusObject
	path    dbus.ObjectPath
	signals chan *dbus.Signal
	settle  time.Duration
	sink    Sink
	logger  *slog.Logger
}

// DialIBus connects to the ibus daemon and creates an input context.
func DialIBus(ctx context.Context, opts DBusOptions) (*DBusCommunicator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("ibus").Logger
	}
	addr := opts.Address
	if addr == "" {
		var err error
		if addr, err = IBusAddress(); err != nil {
			return nil, err
		}
	}
	if opts.ClientName == "" {
		opts.ClientName = "rootsite"
	}

	conn, err := dbus.Connect(addr, dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to ibus at %s: %w", addr, err)
	}

	var path dbus.ObjectPath
	err = conn.Object(IBusService, IBusPath).
		CallWithContext(ctx, IBusInterface+".CreateInputContext", 0, opts.ClientName).
		Store(&path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create input context: %w", err)
	}

	c := &DBusCommunicator{
		conn:    conn,
		ic:      conn.Object(IBusService, path),
		path:    path,
		signals: make(chan *dbus.Signal, 64),
		settle:  opts.Settle,
		logger:  logger.With("context", string(path)),
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(InputContextInterface),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to input context signals: %w", err)
	}
	conn.Signal(c.signals)

	if err := c.call(ctx, "SetCapabilities", opts.Capabilities); err != nil {
		c.Close()
		return nil, err
	}

	c.logger.Info("ibus input context created", "address", addr)
	return c, nil
}

// Attach implements Communicator.
func (c *DBusCommunicator) Attach(sink Sink) { c.sink = sink }

// ProcessKeyEvent implements Communicator.
func (c *DBusCommunicator) ProcessKeyEvent(ctx context.Context, ev KeyEvent) (bool, error) {
	var handled bool
	err := c.ic.CallWithContext(ctx, InputContextInterface+".ProcessKeyEvent", 0,
		ev.Keysym, ev.Keycode, ev.State).Store(&handled)
	if err != nil {
		return false, fmt.Errorf("ibus ProcessKeyEvent: %w", err)
	}
	c.drain(ctx)
	return handled, nil
}

// FocusIn implements Communicator.
func (c *DBusCommunicator) FocusIn(ctx context.Context) error {
	return c.call(ctx, "FocusIn")
}

// FocusOut implements Communicator.
func (c *DBusCommunicator) FocusOut(ctx context.Context) error {
	return c.call(ctx, "FocusOut")
}

// Reset implements Communicator.
func (c *DBusCommunicator) Reset(ctx context.Context) error {
	return c.call(ctx, "Reset")
}

// Close destroys the input context and closes the connection.
func (c *DBusCommunicator) Close() error {
	c.conn.RemoveSignal(c.signals)
	call := c.ic.Call(InputContextInterface+".Destroy", dbus.FlagNoReplyExpected)
	return errors.Join(call.Err, c.conn.Close())
}

func (c *DBusCommunicator) call(ctx context.Context, method string, args ...any) error {
	if err := c.ic.CallWithContext(ctx, InputContextInterface+"."+method, 0, args...).Err; err != nil {
		return fmt.Errorf("ibus %s: %w", method, err)
	}
	c.drain(ctx)
	return nil
}

// drain delivers signals until none has arrived for the settle time.
func (c *DBusCommunicator) drain(ctx context.Context) {
	if c.settle <= 0 {
		for {
			select {
			case sig := <-c.signals:
				c.deliver(sig)
			default:
				return
			}
		}
	}

	timer := time.NewTimer(c.settle)
	defer timer.Stop()
	for {
		select {
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.deliver(sig)
			timer.Reset(c.settle)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *DBusCommunicator) deliver(sig *dbus.Signal) {
	if c.sink == nil || sig.Path != c.path {
		return
	}
	member := strings.TrimPrefix(sig.Name, InputContextInterface+".")
	if err := deliverSignal(c.sink, member, sig.Body); err != nil {
		c.logger.Warn("bad ibus signal", "signal", member, "error", err)
	}
}

// deliverSignal maps one input context signal onto the sink.
func deliverSignal(sink Sink, member string, body []any) error {
	switch member {
	case "CommitText":
		if len(body) < 1 {
			return errors.New("missing text")
		}
		text, err := decodeIBusText(body[0])
		if err != nil {
			return err
		}
		sink.CommitText(text)

	case "UpdatePreeditText", "UpdatePreeditTextWithMode":
		if len(body) < 3 {
			return fmt.Errorf("expected 3 arguments, got %d", len(body))
		}
		text, err := decodeIBusText(body[0])
		if err != nil {
			return err
		}
		cursor, ok1 := body[1].(uint32)
		visible, ok2 := body[2].(bool)
		if !ok1 || !ok2 {
			return fmt.Errorf("unexpected argument types %T, %T", body[1], body[2])
		}
		sink.UpdatePreeditText(text, int(cursor), visible)

	case "HidePreeditText":
		sink.HidePreeditText()

	case "ForwardKeyEvent":
		if len(body) < 3 {
			return fmt.Errorf("expected 3 arguments, got %d", len(body))
		}
		keysym, ok1 := body[0].(uint32)
		keycode, ok2 := body[1].(uint32)
		state, ok3 := body[2].(uint32)
		if !ok1 || !ok2 || !ok3 {
			return errors.New("key event arguments are not uint32")
		}
		sink.ForwardKeyEvent(KeyEvent{Keysym: keysym, Keycode: keycode, State: state})
	}
	// ShowPreeditText, lookup table and auxiliary text signals need no
	// buffer changes.
	return nil
}

// decodeIBusText extracts the string from a serialized IBusText, which
// arrives as a variant holding (sa{sv}sv): type name, attachments, text,
// attributes.
func decodeIBusText(v any) (string, error) {
	if variant, ok := v.(dbus.Variant); ok {
		v = variant.Value()
	}
	fields, ok := v.([]any)
	if !ok || len(fields) < 3 {
		return "", fmt.Errorf("not an IBusText: %T", v)
	}
	if name, _ := fields[0].(string); name != "IBusText" {
		return "", fmt.Errorf("not an IBusText: %v", fields[0])
	}
	text, ok := fields[2].(string)
	if !ok {
		return "", fmt.Errorf("IBusText text is %T", fields[2])
	}
	return text, nil
}

// IBusAddress finds the ibus bus address the way ibus clients do: from
// IBUS_ADDRESS, or from the address file ibus-daemon writes under the
// user's config directory.
func IBusAddress() (string, error) {
	if addr := os.Getenv("IBUS_ADDRESS"); addr != "" {
		return addr, nil
	}

	machineID, err := readMachineID()
	if err != nil {
		return "", err
	}
	name, err := busFileName(machineID, os.Getenv("DISPLAY"), os.Getenv("WAYLAND_DISPLAY"))
	if err != nil {
		return "", err
	}

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	path := filepath.Join(configHome, "ibus", "bus", name)

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read ibus address file: %w", err)
	}
	addr := parseAddressFile(data)
	if addr == "" {
		return "", fmt.Errorf("no IBUS_ADDRESS in %s", path)
	}
	return addr, nil
}

func readMachineID() (string, error) {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		}
	}
	return "", errors.New("cannot determine machine id")
}

// busFileName is "<machine-id>-<host>-<display number>", with host "unix"
// for local displays. Without an X display the Wayland socket name stands
// in for the display number.
func busFileName(machineID, display, wayland string) (string, error) {
	if display == "" {
		if wayland == "" {
			return "", errors.New("neither DISPLAY nor WAYLAND_DISPLAY is set")
		}
		return fmt.Sprintf("%s-unix-%s", machineID, wayland), nil
	}

	host, num, ok := strings.Cut(display, ":")
	if !ok {
		return "", fmt.Errorf("malformed DISPLAY %q", display)
	}
	if host == "" {
		host = "unix"
	}
	num, _, _ = strings.Cut(num, ".")
	if num == "" {
		return "", fmt.Errorf("malformed DISPLAY %q", display)
	}
	return fmt.Sprintf("%s-%s-%s", machineID, host, num), nil
}

func parseAddressFile(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		if addr, ok := strings.CutPrefix(line, "IBUS_ADDRESS="); ok {
			return addr
		}
	}
	return ""
}
