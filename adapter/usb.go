package adapter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"

	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
	"github.com/nixxel-company-limited/pjl-scancounter/pjl"
)

// Interface class codes
// Reference: http://www.usb.org/developers/defined_class
const (
	IfaceClassPrinter = 0x07

	// VendorHP is Hewlett-Packard's USB vendor id.
	VendorHP uint16 = 0x03f0

	usbReadSize = 1024
)

// USBAdapter drives a printer-class interface over bulk transfers.
type USBAdapter struct {
	vid            gousb.ID
	pid            gousb.ID // zero matches any product
	ctx            *gousb.Context
	device         *gousb.Device
	cfg            *gousb.Config
	iface          *gousb.Interface
	outEndpoint    *gousb.OutEndpoint
	inEndpoint     *gousb.InEndpoint
	writeTimeout   time.Duration
	usbReadTimeout time.Duration
	isOpen         bool
	mu             sync.Mutex
	logger         zerolog.Logger
}

// NewUSBAdapter creates an unopened adapter for the first printer-class
// device matching vid (and pid, when non-zero).
func NewUSBAdapter(vid, pid uint16, opts Options) *USBAdapter {
	opts = opts.withDefaults()

	return &USBAdapter{
		vid:            gousb.ID(vid),
		pid:            gousb.ID(pid),
		writeTimeout:   opts.WriteTimeout,
		usbReadTimeout: opts.USBReadTimeout,
		logger: opts.Logger.With().
			Str("component", "usb").
			Str("vid", gousb.ID(vid).String()).
			Str("pid", gousb.ID(pid).String()).
			Logger(),
	}
}

// ParseUSBAddress reads "", "vvvv" or "vvvv:pppp" (hex). An empty vendor
// defaults to HP.
func ParseUSBAddress(addr string) (vid, pid uint16, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return VendorHP, 0, nil
	}

	vidStr, pidStr, hasPID := strings.Cut(addr, ":")

	v, err := strconv.ParseUint(strings.TrimPrefix(vidStr, "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid USB vendor id %q: %w", vidStr, err)
	}

	if hasPID {
		p, err := strconv.ParseUint(strings.TrimPrefix(pidStr, "0x"), 16, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid USB product id %q: %w", pidStr, err)
		}
		pid = uint16(p)
	}

	return uint16(v), pid, nil
}

// printerSetting returns the first alternate setting of class printer.
func printerSetting(cfg gousb.ConfigDesc) (gousb.InterfaceSetting, bool) {
	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			if alt.Class == IfaceClassPrinter {
				return alt, true
			}
		}
	}

	return gousb.InterfaceSetting{}, false
}

// bulkEndpoints picks the lowest numbered bulk OUT and IN endpoints.
func bulkEndpoints(eps map[gousb.EndpointAddress]gousb.EndpointDesc) (out, in *gousb.EndpointDesc) {
	descs := make([]gousb.EndpointDesc, 0, len(eps))
	for _, ep := range eps {
		if ep.TransferType == gousb.TransferTypeBulk {
			descs = append(descs, ep)
		}
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Number < descs[j].Number })

	for i := range descs {
		ep := descs[i]
		if ep.Direction == gousb.EndpointDirectionOut && out == nil {
			out = &ep
		}
		if ep.Direction == gousb.EndpointDirectionIn && in == nil {
			in = &ep
		}
	}

	return out, in
}

// IsPrinter checks if a device is a printer
func IsPrinter(dev *gousb.Device) bool {
	if dev == nil || dev.Desc == nil {
		return false
	}

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return false
	}

	cfgDesc, ok := dev.Desc.Configs[cfgNum]
	if !ok {
		return false
	}

	_, ok = printerSetting(cfgDesc)
	return ok
}

// FindPrinters opens every device matching vid/pid. It returns the
// printer-class devices and closes the rest; matched reports whether any
// device matched the ids at all.
func FindPrinters(ctx *gousb.Context, vid, pid gousb.ID) (printers []*gousb.Device, matched bool, err error) {
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vid && (pid == 0 || desc.Product == pid)
	})
	if len(devices) == 0 {
		return nil, false, err
	}

	for _, dev := range devices {
		if IsPrinter(dev) {
			printers = append(printers, dev)
		} else {
			dev.Close()
		}
	}

	return printers, true, nil
}

func mapUSBError(err error) error {
	switch {
	case errors.Is(err, gousb.ErrorBusy):
		return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	default:
		return err
	}
}

// Open finds the device and claims its printer interface
func (a *USBAdapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isOpen {
		return ErrAlreadyOpen
	}

	ctx := gousb.NewContext()
	printers, matched, err := FindPrinters(ctx, a.vid, a.pid)
	if len(printers) == 0 {
		ctx.Close()
		switch {
		case err != nil:
			return mapUSBError(err)
		case matched:
			return ErrNoPrinterInterface
		default:
			return fmt.Errorf("%w: no USB device %s:%s", ErrUnreachable, a.vid, a.pid)
		}
	}
	for _, extra := range printers[1:] {
		extra.Close()
	}

	a.ctx = ctx
	a.device = printers[0]

	if err := a.claim(); err != nil {
		a.release()
		return err
	}

	a.isOpen = true
	a.logger.Info().Str("device", a.device.String()).Bool("bidirectional", a.inEndpoint != nil).Msg("Printer interface claimed")

	return nil
}

func (a *USBAdapter) claim() error {
	// Set auto-detach kernel driver on Linux
	if runtime.GOOS == "linux" {
		if err := a.device.SetAutoDetach(true); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to enable kernel driver auto-detach")
		}
	}

	cfgNum, err := a.device.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("failed to get active config: %w", mapUSBError(err))
	}

	setting, ok := printerSetting(a.device.Desc.Configs[cfgNum])
	if !ok {
		return ErrNoPrinterInterface
	}

	a.cfg, err = a.device.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", mapUSBError(err))
	}

	a.iface, err = a.cfg.Interface(setting.Number, setting.Alternate)
	if err != nil {
		return fmt.Errorf("failed to claim interface: %w", mapUSBError(err))
	}

	outDesc, inDesc := bulkEndpoints(a.iface.Setting.Endpoints)
	if outDesc == nil {
		return fmt.Errorf("%w: no bulk OUT endpoint", ErrEndpointNotFound)
	}

	a.outEndpoint, err = a.iface.OutEndpoint(outDesc.Number)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEndpointNotFound, err)
	}

	if inDesc != nil {
		if a.inEndpoint, err = a.iface.InEndpoint(inDesc.Number); err != nil {
			a.logger.Warn().Err(err).Msg("Bulk IN endpoint unusable, continuing write-only")
			a.inEndpoint = nil
		}
	}

	return nil
}

// release frees everything claimed so far. Callers hold a.mu.
func (a *USBAdapter) release() error {
	var errs []error

	if a.iface != nil {
		a.iface.Close()
		a.iface = nil
	}
	if a.cfg != nil {
		if err := a.cfg.Close(); err != nil {
			errs = append(errs, err)
		}
		a.cfg = nil
	}
	if a.device != nil {
		if err := a.device.Close(); err != nil {
			errs = append(errs, err)
		}
		a.device = nil
	}
	if a.ctx != nil {
		if err := a.ctx.Close(); err != nil {
			errs = append(errs, err)
		}
		a.ctx = nil
	}

	a.outEndpoint = nil
	a.inEndpoint = nil

	return errors.Join(errs...)
}

// Send writes the frame to the bulk OUT endpoint
func (a *USBAdapter) Send(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return ErrNotOpen
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()

	n, err := a.outEndpoint.WriteContext(ctx, frame)
	if err != nil {
		if errors.Is(err, gousb.ErrorNoDevice) {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if n < len(frame) {
		return fmt.Errorf("%w: short write %d/%d", ErrSendFailed, n, len(frame))
	}

	return nil
}

// TryReceive performs one bounded read from the bulk IN endpoint.
func (a *USBAdapter) TryReceive(timeout time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return "", ErrNotOpen
	}

	if a.inEndpoint == nil {
		return "", ErrUnsupported
	}

	if timeout <= 0 || timeout > a.usbReadTimeout {
		timeout = a.usbReadTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := make([]byte, usbReadSize)
	n, err := a.inEndpoint.ReadContext(ctx, buf)
	if err != nil && n == 0 {
		if isUSBTimeout(ctx, err) {
			return "", nil
		}
		if errors.Is(err, gousb.ErrorNoDevice) {
			return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return "", fmt.Errorf("read failed: %w", err)
	}

	return pjl.DecodeReply(buf[:n]), nil
}

// isUSBTimeout treats any failure after the read deadline as silence.
func isUSBTimeout(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.ErrorTimeout)
}

// CanReceive reports whether a bulk IN endpoint was claimed.
func (a *USBAdapter) CanReceive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inEndpoint != nil
}

// Close releases the interface and the device
func (a *USBAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return nil
	}

	a.isOpen = false
	if err := a.release(); err != nil {
		return fmt.Errorf("close errors: %w", err)
	}

	return nil
}

// IsOpen returns whether the device is open
func (a *USBAdapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isOpen
}

func (a *USBAdapter) Kind() endpoint.Kind {
	return endpoint.KindUSBDirect
}

// GetDevice returns the underlying USB device
func (a *USBAdapter) GetDevice() *gousb.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device
}
