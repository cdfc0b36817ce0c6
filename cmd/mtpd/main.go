// mtpd exposes a directory over the media transfer protocol. It speaks
// the device side of the protocol on a pair of USB bulk endpoint files
// (functionfs), or on a TCP socket for development without gadget
// hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/andrewleech/go-mtpd/device"
	"github.com/andrewleech/go-mtpd/log"
	"github.com/andrewleech/go-mtpd/monitor"
	"github.com/andrewleech/go-mtpd/storage"
	"github.com/andrewleech/go-mtpd/usb"
)

func main() {
	root := flag.String("root", "", "directory exposed as the storage")
	epOut := flag.String("ep-out", "", "bulk OUT endpoint file (host to device)")
	epIn := flag.String("ep-in", "", "bulk IN endpoint file (device to host)")
	listen := flag.String("listen", "", "serve over TCP instead of endpoint files (development)")
	monAddr := flag.String("monitor", "", "HTTP address for metrics and the activity stream")
	rxSize := flag.Int("rx-buf", device.DefaultBufSize, "receive staging buffer size")
	txSize := flag.Int("tx-buf", device.DefaultBufSize, "transmit staging buffer size")
	usbDebug := flag.Bool("usb-debug", false, "trace bulk pipe traffic")
	mtpDebug := flag.Bool("mtp-debug", false, "trace protocol transactions")
	dataDebug := flag.Bool("data-debug", false, "trace data phase payloads")
	fsDebug := flag.Bool("fs-debug", false, "trace filesystem operations")
	manufacturer := flag.String("manufacturer", "go-mtpd", "manufacturer string in DeviceInfo")
	model := flag.String("model", "go-mtpd", "model string in DeviceInfo")
	version := flag.String("device-version", "1.0", "device version string in DeviceInfo")
	serial := flag.String("serial", "", "serial number string in DeviceInfo")
	label := flag.String("volume-label", "mtpd", "volume label in StorageInfo")
	flag.Parse()

	if *root == "" {
		log.Root.Fatal("-root is required")
	}
	if *listen == "" && (*epOut == "" || *epIn == "") {
		log.Root.Fatal("either -listen or both -ep-out and -ep-in are required")
	}

	lg := log.PrepareChildren(log.Root, *usbDebug, *mtpDebug, *dataDebug, *fsDebug)
	fs := storage.NewDirFS(*root)
	cfg := device.Config{
		RxSize:             *rxSize,
		TxSize:             *txSize,
		Manufacturer:       *manufacturer,
		Model:              *model,
		DeviceVersion:      *version,
		SerialNumber:       *serial,
		StorageDescription: *root,
		VolumeLabel:        *label,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	var obs device.Observer
	var mon *monitor.Server
	if *monAddr != "" {
		mon = monitor.NewServer(lg.Mon)
		obs = mon
		eg.Go(func() error {
			return mon.Run(egCtx, *monAddr)
		})
	}

	if *listen != "" {
		eg.Go(func() error {
			return serveTCP(egCtx, *listen, fs, cfg, lg, mon, obs, *txSize)
		})
	} else {
		eg.Go(func() error {
			return serveEndpoints(egCtx, *epOut, *epIn, fs, cfg, lg, mon, obs, *txSize)
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Root.Fatal(err)
	}
}

func serveEndpoints(ctx context.Context, outPath, inPath string, fs storage.Filesystem,
	cfg device.Config, lg *log.Children, mon *monitor.Server, obs device.Observer, mtu int) error {

	out, err := os.OpenFile(outPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	in, err := os.OpenFile(inPath, os.O_WRONLY, 0)
	if err != nil {
		out.Close()
		return err
	}

	ep := usb.Open(out, in, mtu, lg.USB)
	defer ep.Close()
	if mon != nil {
		mon.SetEndpoints(ep)
	}

	lg.USB.Infof("serving on %s / %s", outPath, inPath)
	return ignoreEOF(device.New(ep, fs, cfg, lg, obs).Serve(ctx))
}

// serveTCP accepts one connection at a time; each connection gets a
// fresh engine and a fresh handle space, like a replug.
func serveTCP(ctx context.Context, addr string, fs storage.Filesystem,
	cfg device.Config, lg *log.Children, mon *monitor.Server, obs device.Observer, mtu int) error {

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	lg.USB.Infof("listening on %s", addr)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		lg.USB.Infof("host connected from %s", conn.RemoteAddr())

		ep := usb.Open(conn, conn, mtu, lg.USB)
		if mon != nil {
			mon.SetEndpoints(ep)
		}
		if err := ignoreEOF(device.New(ep, fs, cfg, lg, obs).Serve(ctx)); err != nil {
			lg.USB.Warningf("connection ended: %v", err)
		}
		ep.Close()
		if ctx.Err() != nil {
			return nil
		}
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
