package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blemitm/internal/adv"
	"github.com/srg/blemitm/internal/advertiser"
	"github.com/srg/blemitm/internal/connector"
	"github.com/srg/blemitm/internal/groutine"
	"github.com/srg/blemitm/internal/hostdev"
	"github.com/srg/blemitm/internal/mitm"
	"github.com/srg/blemitm/internal/mockserver"
	"github.com/srg/blemitm/internal/snapshot"
)

var (
	proxyIface           string
	proxyConnectTo       string
	proxyNoConnect       bool
	proxyAddrType        string
	proxyAdvName         string
	proxyAdvServiceUUIDs []string
	proxySudo            bool
	proxyChangeMAC       string
	proxyStorePath       string
	proxyLoadPath        string
)

// configErr marks configuration-stage failures (exit code 1).
func configErr(err error) error {
	return &exitError{code: 1, err: err}
}

// runtimeErr marks fatal runtime failures (exit code 2).
func runtimeErr(err error) error {
	return &exitError{code: 2, err: err}
}

func runProxy(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return configErr(err)
	}

	if proxyConnectTo == "" && proxyLoadPath == "" {
		return configErr(fmt.Errorf("nothing to do: give --connectto, or --deviceloadpath with --noconnect"))
	}
	if proxyNoConnect && proxyLoadPath == "" {
		return configErr(fmt.Errorf("--noconnect needs a stored device (--deviceloadpath)"))
	}
	addrType, err := connector.ParseAddrType(proxyAddrType)
	if err != nil {
		return configErr(err)
	}

	cmd.SilenceUsage = true

	// Ctrl+C ends the session cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nStopping...")
		cancel()
	}()

	// Local controller.
	ifaceID, err := hostdev.ResolveIface(proxyIface)
	if err != nil {
		return configErr(err)
	}
	_ = hostdev.PowerOn(ifaceID, proxySudo, logger)
	dev, err := hostdev.DeviceFactory(ifaceID)
	if err != nil {
		return configErr(fmt.Errorf("failed to open controller: %w", err))
	}
	defer func() { _ = dev.Stop() }()

	// Stored configuration.
	var doc *snapshot.Document
	if proxyLoadPath != "" {
		doc, err = snapshot.Load(proxyLoadPath)
		if err != nil {
			return configErr(err)
		}
		logger.WithField("path", proxyLoadPath).Info("Loaded stored device")
		if proxyConnectTo == "" {
			proxyConnectTo = doc.ConnectTo
		}
		if proxyAddrType == "" && doc.AddrType != "" {
			if at, err := connector.ParseAddrType(doc.AddrType); err == nil {
				addrType = at
			}
		}
	}

	// Upstream connection and advertisement capture.
	var conn connector.Connector
	var scannedAdv, scannedSR *adv.Record
	if !proxyNoConnect && proxyConnectTo != "" {
		bleConn := connector.NewBLEConnector(dev, connector.DefaultOptions(), logger)

		scannedAdv, scannedSR, err = bleConn.ScanFor(ctx, proxyConnectTo, connector.DefaultOptions().ScanTimeout)
		if err != nil {
			// A stored advertisement can stand in for a failed capture.
			logger.WithField("error", err).Warn("Could not capture the upstream advertisement")
		}
		if err := bleConn.Connect(ctx, proxyConnectTo, addrType); err != nil {
			return configErr(err)
		}
		conn = bleConn
	}

	staticAddr, err := resolveChangeMAC(ifaceID)
	if err != nil {
		return configErr(err)
	}

	manager := mitm.NewManager(dev, advertiser.New(dev.HCI, logger), logger)
	session := mitm.Session{
		Connector:  conn,
		Config:     doc,
		ScannedAdv: scannedAdv,
		ScannedSR:  scannedSR,
		Options: &mitm.Options{
			AdvName:         proxyAdvName,
			AdvServiceUUIDs: proxyAdvServiceUUIDs,
			StaticAddr:      staticAddr,
			ConnectTo:       proxyConnectTo,
			AddrType:        addrType,
		},
	}
	if err := manager.Configure(session); err != nil {
		return configErr(err)
	}

	if proxyStorePath != "" {
		if err := snapshot.Save(proxyStorePath, manager.Snapshot()); err != nil {
			return configErr(err)
		}
		logger.WithField("path", proxyStorePath).Info("Stored device snapshot")
	}

	if err := manager.Start(); err != nil {
		return runtimeErr(err)
	}
	printTraffic(ctx, manager.Server())

	waitErr := manager.Wait(ctx)
	if err := manager.Stop(); err != nil {
		logger.WithField("error", err).Warn("Shutdown finished with errors")
	}
	if waitErr != nil {
		return runtimeErr(waitErr)
	}
	return nil
}

// resolveChangeMAC turns the --changemac value into the address to pin:
// a bare flag means the controller's own address.
func resolveChangeMAC(ifaceID int) (string, error) {
	switch proxyChangeMAC {
	case "":
		return "", nil
	case "true":
		return hostdev.ControllerAddress(ifaceID)
	default:
		return proxyChangeMAC, nil
	}
}

// printTraffic mirrors the relay's traffic tap to stdout.
func printTraffic(ctx context.Context, server *mockserver.Server) {
	dirColors := map[mockserver.Direction]*color.Color{
		mockserver.DirRead:   color.New(color.FgGreen),
		mockserver.DirWrite:  color.New(color.FgYellow),
		mockserver.DirNotify: color.New(color.FgCyan),
	}
	groutine.Go(ctx, "traffic-printer", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-server.Traffic():
				if !ok {
					return
				}
				c := dirColors[ev.Direction]
				fmt.Println(c.Sprint(ev.String()))
			}
		}
	})
}
