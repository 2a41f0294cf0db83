// internal/discovery/discovery.go
// Package discovery scans a subnet for running coordinators by probing
// their HTTP status port.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"hashfleet/internal/client"
)

// Result contains information about one probed address.
type Result struct {
	Address    string `json:"address"`
	IPAddress  string `json:"ip_address"`
	Port       int    `json:"port"`
	Workers    int    `json:"workers"`
	State      string `json:"timing_state"`
	LatencyMs  int64  `json:"latency_ms"`
	Responding bool   `json:"responding"`
	Error      string `json:"error,omitempty"`
}

// Config holds scan settings.
type Config struct {
	Subnet          string        `json:"subnet"`           // CIDR notation, e.g. "192.168.1.0/24"
	Port            int           `json:"port"`             // HTTP API port to probe
	Timeout         time.Duration `json:"timeout"`          // per-host timeout
	ConcurrentScans int           `json:"concurrent_scans"` // number of concurrent probes
	SkipLocalhost   bool          `json:"skip_localhost"`
}

// NewConfig returns scan defaults.
func NewConfig() Config {
	return Config{
		Port:            8080,
		Timeout:         2 * time.Second,
		ConcurrentScans: 20,
	}
}

// DiscoverCoordinators scans the subnet for coordinator status endpoints.
func DiscoverCoordinators(config Config) ([]Result, error) {
	if config.Subnet == "" {
		subnet, err := getLocalSubnet()
		if err != nil {
			return nil, fmt.Errorf("failed to determine local subnet: %w", err)
		}
		config.Subnet = subnet
	}

	ip, ipnet, err := net.ParseCIDR(config.Subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %s: %w", config.Subnet, err)
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, config.ConcurrentScans)
	results := make(chan Result, 100)

	var ips []string
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); incrementIP(ip) {
		ips = append(ips, ip.String())
	}

	if !config.SkipLocalhost {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- probe("127.0.0.1", config.Port, config.Timeout)
		}()
	}

	for _, ipStr := range ips {
		if isLocalIP(ipStr) {
			continue
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(ip string) {
			defer wg.Done()
			defer func() { <-semaphore }()
			results <- probe(ip, config.Port, config.Timeout)
		}(ipStr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var discoveries []Result
	for result := range results {
		discoveries = append(discoveries, result)
	}
	return discoveries, nil
}

// probe checks one address for a coordinator API.
func probe(ip string, port int, timeout time.Duration) Result {
	start := time.Now()
	result := Result{
		Address:   fmt.Sprintf("%s:%d", ip, port),
		IPAddress: ip,
		Port:      port,
	}

	api := client.NewAPIClient(fmt.Sprintf("http://%s:%d", ip, port))
	api.HTTPClient.Timeout = timeout

	status, err := api.GetStatus()
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = fmt.Sprintf("probe failed: %v", err)
		return result
	}

	result.Responding = true
	result.Workers = len(status.Workers)
	result.State = status.Timing.State
	return result
}

// FindBest picks the responding coordinator with the largest fleet, latency
// breaking ties.
func FindBest(discoveries []Result) *Result {
	var best *Result
	for i := range discoveries {
		result := &discoveries[i]
		if !result.Responding {
			continue
		}
		if best == nil || result.Workers > best.Workers ||
			(result.Workers == best.Workers && result.LatencyMs < best.LatencyMs) {
			best = result
		}
	}
	return best
}

// getLocalSubnet attempts to determine the local network subnet
func getLocalSubnet() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	// Look for IPv4 interfaces that are up and not loopback
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.To4() == nil {
				continue
			}

			// Assume /24 for small fleet networks
			parts := strings.Split(ip.String(), ".")
			if len(parts) == 4 {
				return fmt.Sprintf("%s.%s.%s.0/24", parts[0], parts[1], parts[2]), nil
			}
		}
	}

	return "", fmt.Errorf("no suitable network interface found")
}

// incrementIP increments an IP address
func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

// isLocalIP checks if an IP address is local
func isLocalIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ifaceIP net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ifaceIP = v.IP
			case *net.IPAddr:
				ifaceIP = v.IP
			}

			if ifaceIP != nil && ifaceIP.Equal(ip) {
				return true
			}
		}
	}

	return false
}
