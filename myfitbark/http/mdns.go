package http

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/grandcat/zeroconf"

	"github.com/asnowfix/myfitbark/internal/mynet"
)

const ZEROCONF_SERVICE = "_myfitbark._tcp"

// Advertise publishes the hub on the LAN over mDNS until ctx is cancelled, so that the
// callback URL host can be found without configuration.
func Advertise(ctx context.Context, log logr.Logger, instance string, port int, version string) error {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("unable to find hostname: %w", err)
		}
		instance = host
	}
	txt := []string{"path=" + CallbackPath}
	if version != "" {
		txt = append(txt, "version="+version)
	}
	ifaces, err := mynet.LanInterfaces(log)
	if err != nil {
		log.Info("Advertising on every interface", "reason", err.Error())
		ifaces = nil
	}
	server, err := zeroconf.Register(instance, ZEROCONF_SERVICE, "local.", port, txt, ifaces)
	if err != nil {
		log.Error(err, "Unable to register ZeroConf service")
		return err
	}
	log.Info("Published over mDNS", "instance", instance, "service", ZEROCONF_SERVICE, "port", port)

	go func() {
		<-ctx.Done()
		log.V(1).Info("Withdrawing mDNS service", "instance", instance)
		server.Shutdown()
	}()
	return nil
}
