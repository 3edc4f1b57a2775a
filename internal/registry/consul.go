// Package registry handles relay-server service discovery via Consul, so
// operators can run several relay instances behind a shared pubsub fabric
// (internal/transport.PubSub) and find each other for cross-instance
// envelope delivery.
package registry

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

const serviceName = "relay-server"

// ConsulRegistry handles service registration with Consul.
type ConsulRegistry struct {
	client     *api.Client
	serviceID  string
	serverID   string
	serverPort int
}

// NewConsulRegistry creates a new Consul registry for one relay instance.
func NewConsulRegistry(addr, serverID, serverPort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(serverPort)
	if err != nil {
		log.Printf("Warning: Failed to parse server port, using default 8443: %v", err)
		port = 8443
	}

	return &ConsulRegistry{
		client:     client,
		serviceID:  serverID,
		serverID:   serverID,
		serverPort: port,
	}, nil
}

// Register registers this relay instance with Consul, with an HTTP health
// check against /health.
func (c *ConsulRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: Failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    serviceName,
		Port:    c.serverPort,
		Address: hostname,
		Tags:    []string{"e2ee", "relay", "websocket"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.serverPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"server_id": c.serverID,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}

	log.Printf("registered with Consul: %s", c.serviceID)
	return nil
}

// Deregister removes this relay instance from Consul.
func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}
	log.Printf("deregistered from Consul: %s", c.serviceID)
	return nil
}

// HealthyServers returns the IDs of all healthy relay instances.
func (c *ConsulRegistry) HealthyServers() ([]string, error) {
	services, _, err := c.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	servers := make([]string, 0, len(services))
	for _, service := range services {
		servers = append(servers, service.Service.ID)
	}
	return servers, nil
}

// WatchServices blocks, invoking callback with the current healthy relay
// instance list whenever Consul's view changes.
func (c *ConsulRegistry) WatchServices(callback func([]string)) {
	var lastIndex uint64

	for {
		services, meta, err := c.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			log.Printf("error watching Consul services: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex != lastIndex {
			lastIndex = meta.LastIndex

			servers := make([]string, 0, len(services))
			for _, service := range services {
				servers = append(servers, service.Service.ID)
			}
			callback(servers)
		}
	}
}
