// Package tunnel turns a rental's port mapping into the connection details
// shown to the renter and the frpc configuration the node runs to expose
// those ports through the tunnel server.
//
// Everything here is a pure function of its inputs.
package tunnel

import (
	"fmt"
	"strconv"
	"strings"

	"evalgo.org/fleetrent/models"
)

const (
	// SSHPort is the container port every rental exposes for shell access.
	SSHPort = 22

	// NotebookPort is the container port of the Jupyter notebook service.
	NotebookPort = 8888

	// DefaultSSHUser is the login user inside rental containers.
	DefaultSSHUser = "root"
)

// Server describes the tunnel (frps) server nodes connect to.
type Server struct {
	// Addr is the address frpc dials
	Addr string
	// Port is the frps control port
	Port int
	// Token authenticates frpc to frps; empty disables it
	Token string
	// PublicHost is the host renters connect to; defaults to Addr
	PublicHost string
}

// Options tune the renter-facing descriptor.
type Options struct {
	SSHUser      string
	SSHPort      int
	NotebookPort int
}

func (o Options) withDefaults() Options {
	if o.SSHUser == "" {
		o.SSHUser = DefaultSSHUser
	}
	if o.SSHPort == 0 {
		o.SSHPort = SSHPort
	}
	if o.NotebookPort == 0 {
		o.NotebookPort = NotebookPort
	}
	return o
}

// Describe builds the connection descriptor for a mapping of container
// ports to public ports.
func Describe(mapping models.PortMapping, srv Server, opts Options) models.ConnectionDescriptor {
	opts = opts.withDefaults()

	host := srv.PublicHost
	if host == "" {
		host = srv.Addr
	}

	desc := models.ConnectionDescriptor{
		Host:    host,
		SSHPort: mapping[opts.SSHPort],
		SSHUser: opts.SSHUser,
	}

	if public, ok := mapping[opts.NotebookPort]; ok {
		desc.NotebookURL = fmt.Sprintf("http://%s:%d", host, public)
	}

	for _, containerPort := range mapping.ContainerPorts() {
		if containerPort == opts.SSHPort {
			continue
		}
		if desc.AdditionalPorts == nil {
			desc.AdditionalPorts = make(map[string]int)
		}
		desc.AdditionalPorts[strconv.Itoa(containerPort)] = mapping[containerPort]
	}

	return desc
}

// ProxyName is the frpc proxy section name for one mapped container port.
func ProxyName(rentalID string, containerPort int) string {
	return fmt.Sprintf("%s_%d", models.ShortID(rentalID), containerPort)
}

// ClientConfig renders the frpc INI configuration for a rental. localPorts
// maps container ports to the host ports Docker bound them to; a container
// port missing from localPorts is assumed to be bound to the same number.
func ClientConfig(rentalID string, mapping models.PortMapping, localPorts map[int]int, srv Server) string {
	var b strings.Builder

	b.WriteString("[common]\n")
	fmt.Fprintf(&b, "server_addr = %s\n", srv.Addr)
	fmt.Fprintf(&b, "server_port = %d\n", srv.Port)
	if srv.Token != "" {
		fmt.Fprintf(&b, "token = %s\n", srv.Token)
	}
	b.WriteString("\n")

	for _, containerPort := range mapping.ContainerPorts() {
		local, ok := localPorts[containerPort]
		if !ok {
			local = containerPort
		}
		fmt.Fprintf(&b, "[%s]\n", ProxyName(rentalID, containerPort))
		b.WriteString("type = tcp\n")
		b.WriteString("local_ip = 127.0.0.1\n")
		fmt.Fprintf(&b, "local_port = %d\n", local)
		fmt.Fprintf(&b, "remote_port = %d\n", mapping[containerPort])
		b.WriteString("\n")
	}

	return b.String()
}
