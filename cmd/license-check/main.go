// Command license-check prints this machine's fingerprint and validates a
// license key against a licensing server.
//
//	license-check -server http://localhost:8080 -key XXXXX-XXXXX-XXXXX-XXXXX-XXXXX
//	license-check -fingerprint
//
// The exit status is 0 when the license is accepted, 1 when it is rejected
// and 2 on usage or transport errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MacMoment/licensing/internal/config"
	"github.com/MacMoment/licensing/internal/infrastructure"
	"github.com/MacMoment/licensing/pkg/client"
)

const (
	exitValid    = 0
	exitRejected = 1
	exitError    = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	server      string
	key         string
	product     string
	hwid        string
	failureMode string
	feature     string
	pins        string
	timeout     time.Duration
	fingerprint bool
	asJSON      bool
	verbose     bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("license-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.server, "server", envOr("LICENSING_SERVER_URL", "http://localhost:8080"), "licensing server base url")
	fs.StringVar(&o.key, "key", os.Getenv("LICENSING_KEY"), "license key to validate")
	fs.StringVar(&o.product, "product", "", "product id the key must belong to")
	fs.StringVar(&o.hwid, "hwid", "", "hardware id to send (defaults to this machine's fingerprint)")
	fs.StringVar(&o.failureMode, "failure-mode", "deny", "outcome when the server cannot answer: allow | deny")
	fs.StringVar(&o.feature, "feature", "", "also report whether this feature is granted")
	fs.StringVar(&o.pins, "pin", "", "comma separated SPKI SHA-256 pins for an https server")
	fs.DurationVar(&o.timeout, "timeout", client.DefaultTimeout, "request timeout")
	fs.BoolVar(&o.fingerprint, "fingerprint", false, "print the machine fingerprint and exit")
	fs.BoolVar(&o.asJSON, "json", false, "print results as JSON")
	fs.BoolVar(&o.verbose, "v", false, "debug logging to stderr")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if !o.fingerprint && o.key == "" {
		return o, errors.New("-key is required")
	}
	return o, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "license-check:", err)
		}
		return exitError
	}

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	logger := infrastructure.NewLogger(config.LoggingConfig{Level: level}, stderr)

	if o.fingerprint {
		fp := client.NewFingerprinter(logger).Generate()
		if o.asJSON {
			_ = json.NewEncoder(stdout).Encode(fp)
		} else {
			fmt.Fprintf(stdout, "fingerprint: %s\nhostname:    %s\nmac:         %s\ncpu:         %s\nplatform:    %s/%s\n",
				fp.ID, fp.Hostname, fp.MACAddress, fp.CPUID, fp.OS, fp.Arch)
		}
		return exitValid
	}

	mode, err := client.ParseFailureMode(o.failureMode)
	if err != nil {
		fmt.Fprintln(stderr, "license-check:", err)
		return exitError
	}

	c, err := client.New(client.Config{
		ServerURL:    o.server,
		LicenseKey:   o.key,
		ProductID:    o.product,
		HWID:         o.hwid,
		FailureMode:  mode,
		Timeout:      o.timeout,
		DisableCache: true,
		Pins:         splitPins(o.pins),
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, "license-check:", err)
		return exitError
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout+time.Second)
	defer cancel()

	valid, checkErr := c.Validate(ctx)
	report := struct {
		Valid   bool     `json:"valid"`
		HWID    string   `json:"hwid"`
		Reason  string   `json:"reason,omitempty"`
		Message string   `json:"message,omitempty"`
		Tier    string   `json:"tier,omitempty"`
		Expiry  string   `json:"expiry,omitempty"`
		Granted *bool    `json:"featureGranted,omitempty"`
		Feature string   `json:"feature,omitempty"`
		Error   string   `json:"error,omitempty"`
		Allowed []string `json:"allowedFeatures,omitempty"`
	}{Valid: valid, HWID: c.HWID(), Feature: o.feature}

	if checkErr != nil {
		report.Error = checkErr.Error()
	} else if st, err := c.Status(); err == nil {
		v := st.Verdict
		report.Reason, report.Message, report.Tier, report.Allowed = v.Reason, v.Message, v.Tier, v.AllowedFeatures
		if v.ExpiryTime != nil {
			report.Expiry = time.UnixMilli(*v.ExpiryTime).UTC().Format(time.RFC3339)
		}
	}
	if o.feature != "" {
		granted := c.IsFeatureAllowed(ctx, o.feature)
		report.Granted = &granted
	}

	if o.asJSON {
		_ = json.NewEncoder(stdout).Encode(report)
	} else {
		status := "VALID"
		if !valid {
			status = "INVALID"
		}
		fmt.Fprintf(stdout, "status:  %s\nhwid:    %s\n", status, report.HWID)
		if report.Reason != "" {
			fmt.Fprintf(stdout, "reason:  %s\n", report.Reason)
		}
		if report.Message != "" {
			fmt.Fprintf(stdout, "message: %s\n", report.Message)
		}
		if report.Tier != "" {
			fmt.Fprintf(stdout, "tier:    %s\n", report.Tier)
		}
		if report.Expiry != "" {
			fmt.Fprintf(stdout, "expires: %s\n", report.Expiry)
		}
		if report.Granted != nil {
			fmt.Fprintf(stdout, "feature: %s granted=%t\n", o.feature, *report.Granted)
		}
		if report.Error != "" {
			fmt.Fprintf(stdout, "error:   %s (failure mode %s)\n", report.Error, mode)
		}
	}

	switch {
	case checkErr != nil && !valid:
		return exitError
	case valid:
		return exitValid
	default:
		return exitRejected
	}
}

func splitPins(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
