package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/narvanalabs/stackpilot/internal/models"
)

// Descriptor label keys read back by fleet lookups.
const (
	LabelManagedBy     = "managedBy"
	LabelType          = "type"
	LabelConfiguration = "configuration"
	LabelServiceName   = "serviceName"

	ManagedByValue = "coolify"
)

// Routing settings shared by every public sub-service.
const (
	entrypoint   = "websecure"
	certResolver = "letsencrypt"
	compression  = "global-compress"
)

func descriptorLabels(kind Kind, cfg *models.Configuration) ([]string, error) {
	doc, err := cfg.MarshalLabel()
	if err != nil {
		return nil, err
	}
	labels := []string{
		LabelManagedBy + "=" + ManagedByValue,
		LabelType + "=" + string(kind),
	}
	if kind == KindService && cfg.Service != nil {
		labels = append(labels, LabelServiceName+"="+serviceInstance(cfg))
	}
	return append(labels, LabelConfiguration+"="+doc), nil
}

// routingLabels exposes router at host+path on port.
func routingLabels(router, host, path string, port int) []string {
	if path == "" {
		path = "/"
	}
	prefix := "traefik.http.routers." + router
	return []string{
		"traefik.enable=true",
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port=%d", router, port),
		prefix + ".entrypoints=" + entrypoint,
		fmt.Sprintf("%s.rule=Host(`%s`) && PathPrefix(`%s`)", prefix, host, path),
		prefix + ".tls.certresolver=" + certResolver,
		prefix + ".middlewares=" + compression,
	}
}

// SplitLabels turns k=v entries into a map, splitting on the first '='.
func SplitLabels(labels []string) map[string]string {
	out := make(map[string]string, len(labels))
	for _, l := range labels {
		k, v, _ := strings.Cut(l, "=")
		out[k] = v
	}
	return out
}

// IsManaged reports whether labels carry the managed-by descriptor.
func IsManaged(labels map[string]string) bool {
	return labels[LabelManagedBy] == ManagedByValue
}

// DecodeConfiguration reads the configuration label back.
func DecodeConfiguration(labels map[string]string) (*models.Configuration, error) {
	raw, ok := labels[LabelConfiguration]
	if !ok {
		return nil, fmt.Errorf("missing %s label", LabelConfiguration)
	}
	var cfg models.Configuration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decoding %s label: %w", LabelConfiguration, err)
	}
	return &cfg, nil
}

// Selector returns the label filters matching managed services of kind.
func Selector(kind Kind) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelType:      string(kind),
	}
}
