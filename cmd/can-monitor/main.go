package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-can-controller/can"
	"github.com/kstaniek/go-can-controller/config"
	"github.com/kstaniek/go-can-controller/driver"
	"github.com/kstaniek/go-can-controller/internal/metrics"
	"github.com/kstaniek/go-can-controller/internal/serial"
	"github.com/kstaniek/go-can-controller/twai"
)

// Helper implementations live in dedicated files: version.go, config.go, logger.go, backend.go, mdns.go, metrics_logger.go.

const dumpDrainEvery = 10 * time.Millisecond

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-monitor %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	store := config.NewStore(cfg.configPath)
	rec := store.Load()
	if cfg.uploadDev != "" {
		port, perr := serial.Open(cfg.uploadDev, cfg.uploadBaud, cfg.serialReadTO)
		if perr != nil {
			l.Warn("upload_port_open_failed", "dev", cfg.uploadDev, "error", perr)
		} else {
			l.Info("upload_window_open", "dev", cfg.uploadDev, "window", cfg.uploadWindow)
			if nr, ok := config.WaitForConfig(ctx, port, store, cfg.uploadWindow); ok {
				rec = nr
			}
			_ = port.Close()
		}
	}
	if cfg.bitrate != 0 {
		rec.Bitrate = uint32(cfg.bitrate)
	}

	dev, derr := newDevice(cfg)
	if derr != nil {
		l.Error("backend_init_error", "error", derr)
		return
	}
	ctrl := driver.New(dev, driver.WithLogger(l))
	if cfg.listenOnly {
		_ = ctrl.SetListenOnly(true) // not running yet, applies at start
	}
	if err := rec.Apply(ctrl); err != nil {
		l.Error("can_start_error", "error", err)
		return
	}
	defer ctrl.End()

	if err := ctrl.EnableRxInterrupt(nil); err != nil {
		l.Error("rx_pump_error", "error", err)
		return
	}
	alertSink := driver.AlertSinkFunc(func(a twai.Alerts) {
		if faults := a &^ (twai.AlertRxData | twai.AlertTxIdle | twai.AlertTxSuccess); faults != 0 {
			l.Warn("bus_alert", "alerts", faults.String())
		}
	})
	if err := ctrl.EnableAlertInterrupt(alertSink); err != nil {
		l.Error("alert_pump_error", "error", err)
		return
	}

	if cfg.dumpFrames {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(dumpDrainEvery)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					for {
						fr, ok := ctrl.ReceiveFromQueue()
						if !ok {
							break
						}
						printFrame(cfg.canIf, fr)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	metrics.SetReadinessFunc(func() bool {
		return ctrl.Running() && ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		if cfg.mdnsEnable {
			var portNum int
			if _, p, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					portNum = pn
				}
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
				defer cleanupMDNS()
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	ctrl.End()
	wg.Wait()
	dropped, failed := ctrl.GetDroppedRxCount(), ctrl.GetTxFailedCount()
	if dropped > 0 || failed > 0 {
		l.Warn("session_losses", "rx_dropped", dropped, "tx_failed", failed)
	}
}

// printFrame writes one frame in candump-like form:
//
//	can0  123  [4]  DE AD BE EF
//	can0  0000abcd  [0] remote request
func printFrame(iface string, fr can.Frame) {
	id := fmt.Sprintf("%03X", fr.ID)
	if fr.Extended {
		id = fmt.Sprintf("%08X", fr.ID)
	}
	if fr.RTR {
		fmt.Printf("%s  %s  [%d] remote request\n", iface, id, fr.Len)
		return
	}
	out := fmt.Sprintf("%s  %s  [%d] ", iface, id, fr.Len)
	for i := 0; i < int(fr.Len); i++ {
		out += fmt.Sprintf(" %02X", fr.Data[i])
	}
	fmt.Println(out)
}
