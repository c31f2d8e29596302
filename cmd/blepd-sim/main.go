// Command blepd-sim is a manual smoke test for the peripheral core.
// It runs the heart-rate scenario against the simulated stack: define
// 180D/2A37, advertise, subscribe centrals, notify, disconnect and destroy,
// printing each step.
//
// Usage:
//
//	go run ./cmd/blepd-sim [--centrals 2] [--beats 5] [--native] [--async-stop]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/blepd/internal/ble"
	"github.com/chaz8081/blepd/internal/peripheral"
	"github.com/chaz8081/blepd/internal/profile"
)

func main() {
	centrals := flag.Int("centrals", 2, "number of simulated centrals")
	beats := flag.Int("beats", 5, "heart-rate notifications to send")
	native := flag.Bool("native", false, "report subscriptions as native signals instead of CCCD writes")
	asyncStop := flag.Bool("async-stop", false, "complete stopAdvertising through a callback")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := ble.DefaultSimOptions()
	opts.NativeSubscriptions = *native
	opts.AsyncStop = *asyncStop
	opts.StartDelay = 50 * time.Millisecond
	stack := ble.NewSimStack(opts)

	mgr := peripheral.NewManager(stack, peripheral.ListenerFuncs{
		Write: func(e peripheral.WriteEvent) {
			fmt.Printf("  <- onWrite %s %s/%s %x\n", e.Device, e.ServiceUUID, e.CharacteristicUUID, e.Value)
		},
		Subscribe: func(e peripheral.SubscriptionEvent) {
			fmt.Printf("  <- onSubscribe %s %s\n", e.Device, e.CharacteristicUUID)
		},
		Unsubscribe: func(e peripheral.SubscriptionEvent) {
			fmt.Printf("  <- onUnsubscribe %s %s\n", e.Device, e.CharacteristicUUID)
		},
	})
	defer mgr.Close()

	if err := run(mgr, stack, *centrals, *beats); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nDone!")
}

func run(mgr *peripheral.Manager, stack *ble.SimStack, centrals, beats int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const id = 0

	step("setDeviceName")
	if err := mgr.SetDeviceName("blepd-sim"); err != nil {
		return err
	}

	step("createPeripheral / addService / addCharacteristic / startAdvertising")
	start := time.Now()
	if err := profile.Apply(ctx, mgr, id, profile.HeartRate()); err != nil {
		return err
	}
	state, _ := mgr.State(id)
	fmt.Printf("  state=%s after %s\n", state, time.Since(start).Round(time.Millisecond))

	adv := stack.Advertiser(id)
	p := adv.Payload()
	fmt.Printf("  advertising %q services=%v\n", p.LocalName, p.ServiceUUIDs)

	ref := peripheral.CharRef{
		Service:        "0000180d" + peripheral.BaseUUIDSuffix,
		Characteristic: "00002a37" + peripheral.BaseUUIDSuffix,
	}

	step("notify before any subscriber")
	res, err := mgr.SendNotification(id, "180D", "2A37", []byte{0x00, 60}, false)
	if err != nil {
		return err
	}
	fmt.Printf("  delivered=%v\n", res.Delivered)

	step(fmt.Sprintf("connect and subscribe %d centrals", centrals))
	devices := make([]string, centrals)
	for i := range devices {
		devices[i] = fmt.Sprintf("CE:NT:RA:L0:00:%02X", i)
		adv.SimulateConnect(devices[i])
		adv.SimulateSubscribe(devices[i], ref)
	}

	step("read with offsets")
	for _, off := range []int{0, 1, 2, 3} {
		data, status := adv.SimulateRead(devices[0], ref, off)
		fmt.Printf("  offset %d -> %x (%s)\n", off, data, status)
	}

	step(fmt.Sprintf("send %d beats", beats))
	for i := 0; i < beats; i++ {
		bpm := byte(70 + i)
		res, err := mgr.SendNotification(id, "180D", "2A37", []byte{0x00, bpm}, false)
		if err != nil {
			return err
		}
		fmt.Printf("  %d bpm -> delivered=%v failed=%d\n", bpm, res.Delivered, len(res.Failed))
	}

	if centrals > 0 {
		step("disconnect " + devices[0])
		adv.SimulateDisconnect(devices[0])
		snap, _ := mgr.Snapshot(id)
		fmt.Printf("  subscribers=%v\n", snap.Subscribers[ref])
	}

	step("stopAdvertising")
	if err := mgr.StopAdvertising(ctx, id); err != nil {
		return err
	}
	state, _ = mgr.State(id)
	fmt.Printf("  state=%s\n", state)

	step("destroyPeripheral")
	if err := mgr.DestroyPeripheral(id); err != nil {
		return err
	}
	_, err = mgr.CheckState(id)
	fmt.Printf("  checkState after destroy: %v\n", err)
	return nil
}

func step(name string) {
	fmt.Printf("-> %s\n", name)
}
