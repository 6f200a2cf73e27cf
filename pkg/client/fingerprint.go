package client

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

const zeroMAC = "00:00:00:00:00:00"

// Fingerprint identifies a machine. ID is the value sent as the hwid.
type Fingerprint struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"macAddress"`
	CPUID       string    `json:"cpuId"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Fingerprinter derives a stable machine id from the primary MAC address,
// the hostname, a CPU identifier and the platform. Results are cached.
type Fingerprinter struct {
	mu       sync.Mutex
	cache    *Fingerprint
	expires  time.Time
	cacheFor time.Duration
	logger   *slog.Logger

	interfaces func() ([]net.Interface, error)
	hostname   func() (string, error)
	readFile   func(string) ([]byte, error)
	getenv     func(string) string
	goos       string
	goarch     string
}

// NewFingerprinter returns a Fingerprinter reading from the running system
func NewFingerprinter(logger *slog.Logger) *Fingerprinter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fingerprinter{
		cacheFor:   time.Hour,
		logger:     logger,
		interfaces: net.Interfaces,
		hostname:   os.Hostname,
		readFile:   os.ReadFile,
		getenv:     os.Getenv,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
	}
}

// Generate returns the machine fingerprint. Components that cannot be read
// fall back to fixed placeholders so the id is always produced.
func (f *Fingerprinter) Generate() Fingerprint {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cache != nil && time.Now().Before(f.expires) {
		return *f.cache
	}

	mac, err := f.macAddress()
	if err != nil {
		f.logger.Warn("fingerprint MAC unavailable", slog.String("error", err.Error()))
		mac = "unknown-mac"
	}
	host, err := f.host()
	if err != nil {
		f.logger.Warn("fingerprint hostname unavailable", slog.String("error", err.Error()))
		host = "unknown-host"
	}
	cpu := f.cpuID()

	sum := sha256.Sum256([]byte(strings.Join([]string{mac, host, cpu, f.goos, f.goarch}, "|")))
	fp := Fingerprint{
		ID:          hex.EncodeToString(sum[:]),
		Hostname:    host,
		MACAddress:  mac,
		CPUID:       cpu,
		OS:          f.goos,
		Arch:        f.goarch,
		GeneratedAt: time.Now(),
	}

	f.cache = &fp
	f.expires = fp.GeneratedAt.Add(f.cacheFor)
	f.logger.Debug("fingerprint generated",
		slog.String("id", fp.ID),
		slog.String("hostname", host),
		slog.String("cpu_id", cpu),
	)
	return fp
}

// Reset drops the cached fingerprint
func (f *Fingerprinter) Reset() {
	f.mu.Lock()
	f.cache = nil
	f.expires = time.Time{}
	f.mu.Unlock()
}

// macAddress prefers the first interface that is up and not loopback, then
// any interface with a hardware address.
func (f *Fingerprinter) macAddress() (string, error) {
	ifaces, err := f.interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}

	usable := func(iface net.Interface) string {
		if len(iface.HardwareAddr) == 0 {
			return ""
		}
		if mac := iface.HardwareAddr.String(); mac != zeroMAC {
			return mac
		}
		return ""
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := usable(iface); mac != "" {
			return mac, nil
		}
	}
	for _, iface := range ifaces {
		if mac := usable(iface); mac != "" {
			f.logger.Debug("fingerprint using fallback interface", slog.String("interface", iface.Name))
			return mac, nil
		}
	}
	return "", fmt.Errorf("no hardware address found")
}

func (f *Fingerprinter) host() (string, error) {
	name, err := f.hostname()
	if err != nil {
		return "", err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return name, nil
}

// cpuID hashes the most specific processor description the platform
// offers down to 16 hex characters.
func (f *Fingerprinter) cpuID() string {
	raw := f.goos + "-" + f.goarch
	switch f.goos {
	case "windows":
		if id := f.getenv("PROCESSOR_IDENTIFIER"); id != "" {
			raw = id
		} else {
			raw += "-" + f.getenv("PROCESSOR_ARCHITECTURE")
		}
	case "linux":
		if line := f.cpuinfoLine(); line != "" {
			raw = line
		}
	case "darwin":
		if ht := f.getenv("HOSTTYPE"); ht != "" {
			raw += "-" + ht
		}
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

func (f *Fingerprinter) cpuinfoLine() string {
	data, err := f.readFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
