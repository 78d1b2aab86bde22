// Command classbeacon-device runs the on-device half of classroom attendance:
// the teacher's beacon or the student's check-in and live mark.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"classbeacon/internal/ble"
	"classbeacon/internal/devicestore"
	"classbeacon/internal/face"
	"classbeacon/internal/live"
	"classbeacon/pkg/types"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: classbeacon-device teach|attend [flags]")
	}
	switch args[0] {
	case "teach":
		return teach(args[1:], stdout)
	case "attend":
		return attend(args[1:], stdout)
	}
	return fmt.Errorf("unknown command %q (want teach or attend)", args[0])
}

// common holds flags shared by both roles
type common struct {
	server string
	token  string
	radio  string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.server, "server", envOr("CLASSBEACON_SERVER", "http://localhost:8080"), "attendance server base URL")
	fs.StringVar(&c.token, "token", os.Getenv("CLASSBEACON_TOKEN"), "bearer token for this user")
	fs.StringVar(&c.radio, "radio", defaultRadio, "radio backend")
}

func (c *common) client() (*live.APIClient, error) {
	if c.token == "" {
		return nil, errors.New("-token or CLASSBEACON_TOKEN is required")
	}
	return live.NewAPIClient(c.server, c.token, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// teach starts a session, scans for students and ends the session on SIGINT.
// SIGUSR1 rolls an alert out to every discovered student.
func teach(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("teach", flag.ContinueOnError)
	var c common
	c.register(fs)
	classID := fs.Int64("class", 0, "class id to take attendance for")
	alert := fs.String("alert", "vibrate", "alert type sent on SIGUSR1: vibrate, sound or both")
	alertDelay := fs.Duration("alert-delay", 300*time.Millisecond, "pause between alert writes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *classID <= 0 {
		return errors.New("-class is required")
	}
	alertType, err := parseAlertType(*alert)
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	radio, err := openRadio(c.radio)
	if err != nil {
		return err
	}

	beacon := ble.NewBeaconSession(radio, ble.BeaconOptions{Ender: client})
	defer beacon.Close()
	stateSub := beacon.ListenState(func(s ble.BeaconState) { log.Printf("beacon: %s", s) })
	defer stateSub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instructor := live.NewInstructor(client, beacon)
	session, err := instructor.Begin(ctx, *classID)
	if err != nil {
		return fmt.Errorf("%s: %w", types.UserMessage(err), err)
	}
	fmt.Fprintf(stdout, "attendance %d live id %s\n", session.ID, session.LiveID)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(signalCh)

	for sig := range signalCh {
		if sig != syscall.SIGUSR1 {
			break
		}
		var addresses []string
		for _, s := range beacon.DiscoveredStudents() {
			addresses = append(addresses, s.DeviceAddress)
		}
		go func() {
			result, err := beacon.SendAlertToAll(ctx, addresses, alertType, *alertDelay)
			if err != nil {
				log.Printf("alert rollout: %s", types.UserMessage(err))
				return
			}
			log.Printf("alert rollout %s: %d sent, %d failed", result.JobID, result.Success, result.Failed)
		}()
	}

	report := beacon.GetAttendanceReport()
	endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer endCancel()
	if err := instructor.Finish(endCtx); err != nil {
		return fmt.Errorf("%s: %w", types.UserMessage(err), err)
	}
	return json.NewEncoder(stdout).Encode(report)
}

// attend checks in over BLE, joins the live channel and marks present with a
// face probe, then keeps advertising until SIGINT
func attend(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("attend", flag.ContinueOnError)
	var c common
	c.register(fs)
	studentID := fs.String("student", "", "student id carried in the token")
	storePath := fs.String("store", "classbeacon-device.db", "local check-in store")
	referencePath := fs.String("reference", "", "enrolled face embedding (JSON array)")
	probePath := fs.String("probe", "", "captured face embedding (JSON array)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *studentID == "" || *referencePath == "" || *probePath == "" {
		return errors.New("-student, -reference and -probe are required")
	}
	reference, err := readEmbedding(*referencePath)
	if err != nil {
		return err
	}
	probe, err := readEmbedding(*probePath)
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	radio, err := openRadio(c.radio)
	if err != nil {
		return err
	}
	store, err := devicestore.Open(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attendee := ble.NewAttendeeSession(radio, store, ble.AttendeeOptions{Vibrator: logVibrator{}})
	defer attendee.Close()
	alertSub := attendee.ListenAlerts(func(a ble.AlertReceived) {
		fmt.Fprintf(stdout, "alert %s from %s\n", a.AlertType, a.Source)
	})
	defer alertSub.Unsubscribe()

	session, err := client.LiveAttendance(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", types.UserMessage(err), err)
	}
	ticket := ble.CheckInTicket{
		ClassID:   fmt.Sprint(session.Class.ID),
		StudentID: *studentID,
		LiveID:    session.LiveID,
		RosterID:  session.RosterID,
	}
	if err := checkInFor(ctx, attendee, ticket); err != nil {
		return fmt.Errorf("%s: %w", types.UserMessage(err), err)
	}
	fmt.Fprintf(stdout, "checked in to %s as %s\n", session.LiveID, ticket.CombinedID())

	if session.AlreadyMarked {
		fmt.Fprintln(stdout, "already marked present")
	} else if err := markPresent(ctx, client, *studentID, reference, probe, stdout); err != nil {
		return err
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	<-signalCh

	return attendee.CheckOut(context.Background())
}

// checkInFor resumes a persisted check-in when it matches ticket; one left
// over from an earlier session is checked out first
func checkInFor(ctx context.Context, attendee *ble.AttendeeSession, ticket ble.CheckInTicket) error {
	restored, err := attendee.Restore(ctx)
	if err != nil {
		log.Printf("restore check-in: %v", err)
	}
	if restored != nil && restored.CombinedID != string(ticket.CombinedID()) {
		log.Printf("replacing stale check-in %s", restored.CombinedID)
		if err := attendee.CheckOut(ctx); err != nil {
			return err
		}
	}
	return attendee.CheckIn(ctx, ticket)
}

func markPresent(ctx context.Context, client *live.APIClient, studentID string, reference, probe []float32, stdout io.Writer) error {
	coordinator, err := live.NewCoordinator(live.Options{
		Sessions:   client,
		ChannelURL: client.ChannelURL(),
		StudentID:  studentID,
		Verifier:   face.NewMatcher(reference, nil),
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	released := make(chan struct{})
	var once sync.Once
	sub := coordinator.OnStateChange(func(ch live.StateChange) {
		log.Printf("live: %s", ch.State)
		if ch.State == live.Disconnected {
			once.Do(func() { close(released) })
		}
	})
	defer sub.Unsubscribe()

	joinCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := coordinator.Join(joinCtx); err != nil {
		return fmt.Errorf("%s: %w", types.UserMessage(err), err)
	}
	if err := coordinator.MarkPresent(joinCtx, probe); err != nil {
		return fmt.Errorf("%s: %w", types.UserMessage(err), err)
	}
	fmt.Fprintln(stdout, "marked present")

	select {
	case <-released:
	case <-time.After(live.DisplayWindow + time.Second):
	}
	return nil
}

func readEmbedding(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read embedding: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("parse embedding %s: %w", path, err)
	}
	return vec, nil
}

func parseAlertType(s string) (types.AlertType, error) {
	switch strings.ToLower(s) {
	case "vibrate":
		return types.AlertVibrate, nil
	case "sound":
		return types.AlertSound, nil
	case "both":
		return types.AlertBoth, nil
	}
	return 0, types.ErrInvalidAlertType
}

// logVibrator stands in for haptics on hosts without a motor
type logVibrator struct{}

func (logVibrator) Vibrate(pattern []int) error {
	log.Printf("vibrate pattern=%v", pattern)
	return nil
}
