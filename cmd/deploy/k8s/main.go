// Command k8s renders Kubernetes manifests for an agentry cluster: one host
// Deployment with its Service, a worker Deployment, and optionally a
// ConfigMap embedding a runtime config file. Output is plain YAML suitable
// for kubectl apply -f -.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorReset  = "\033[0m"
)

type Config struct {
	Name        string
	Namespace   string
	Image       string
	Workers     int
	Agents      string
	ConfigFile  string
	Listen      string
	MetricsPort int
	Output      string
}

func main() {
	cfg := &Config{}

	flag.StringVar(&cfg.Name, "name", getEnvDefault("AGENTRY_NAME", "agentry"), "Base name for generated resources")
	flag.StringVar(&cfg.Namespace, "namespace", getEnvDefault("AGENTRY_NAMESPACE", "default"), "Target namespace")
	flag.StringVar(&cfg.Image, "image", getEnvDefault("AGENTRY_IMAGE", "agentry:latest"), "Container image")
	flag.IntVar(&cfg.Workers, "workers", 2, "Worker replica count")
	flag.StringVar(&cfg.Agents, "agents", "echo,collector", "Comma-separated builtin agents for workers without a config file")
	flag.StringVar(&cfg.ConfigFile, "config", "", "Runtime config file to embed in a ConfigMap")
	flag.StringVar(&cfg.Listen, "listen", ":50051", "Host listen address")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", 9090, "Host metrics port (0 disables)")
	flag.StringVar(&cfg.Output, "output", "-", "Output file, - for stdout")

	flag.Parse()

	if err := run(cfg); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	port, err := listenPort(cfg.Listen)
	if err != nil {
		return err
	}

	var docs []any

	var configData string
	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile) // #nosec G304 - user-provided CLI argument
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		configData = string(data)
		docs = append(docs, configMapFor(cfg, configData))
	}

	docs = append(docs,
		hostDeployment(cfg, port),
		hostService(cfg, port),
		workerDeployment(cfg, port),
	)

	out := os.Stdout
	if cfg.Output != "-" {
		f, err := os.Create(cfg.Output) // #nosec G304 - user-provided CLI argument
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		out = f
	}

	for i, doc := range docs {
		if i > 0 {
			fmt.Fprintln(out, "---")
		}
		data, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}

	if cfg.Output != "-" {
		logInfo("Wrote %d manifests to %s", len(docs), cfg.Output)
	}
	return nil
}

// Minimal slices of the Kubernetes API, just the fields the generated
// manifests use.

type metadata struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type configMap struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metadata   metadata          `yaml:"metadata"`
	Data       map[string]string `yaml:"data"`
}

type deployment struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   metadata       `yaml:"metadata"`
	Spec       deploymentSpec `yaml:"spec"`
}

type deploymentSpec struct {
	Replicas int         `yaml:"replicas"`
	Selector selector    `yaml:"selector"`
	Template podTemplate `yaml:"template"`
}

type selector struct {
	MatchLabels map[string]string `yaml:"matchLabels"`
}

type podTemplate struct {
	Metadata metadata `yaml:"metadata"`
	Spec     podSpec  `yaml:"spec"`
}

type podSpec struct {
	Containers []container `yaml:"containers"`
	Volumes    []volume    `yaml:"volumes,omitempty"`
}

type container struct {
	Name           string          `yaml:"name"`
	Image          string          `yaml:"image"`
	Args           []string        `yaml:"args,omitempty"`
	Ports          []containerPort `yaml:"ports,omitempty"`
	VolumeMounts   []volumeMount   `yaml:"volumeMounts,omitempty"`
	LivenessProbe  *probe          `yaml:"livenessProbe,omitempty"`
	ReadinessProbe *probe          `yaml:"readinessProbe,omitempty"`
}

type containerPort struct {
	Name          string `yaml:"name,omitempty"`
	ContainerPort int    `yaml:"containerPort"`
}

type volumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
	ReadOnly  bool   `yaml:"readOnly,omitempty"`
}

type volume struct {
	Name      string        `yaml:"name"`
	ConfigMap *configMapRef `yaml:"configMap,omitempty"`
}

type configMapRef struct {
	Name string `yaml:"name"`
}

type probe struct {
	HTTPGet             httpGet `yaml:"httpGet"`
	InitialDelaySeconds int     `yaml:"initialDelaySeconds,omitempty"`
	PeriodSeconds       int     `yaml:"periodSeconds,omitempty"`
}

type httpGet struct {
	Path string `yaml:"path"`
	Port int    `yaml:"port"`
}

type service struct {
	APIVersion string      `yaml:"apiVersion"`
	Kind       string      `yaml:"kind"`
	Metadata   metadata    `yaml:"metadata"`
	Spec       serviceSpec `yaml:"spec"`
}

type serviceSpec struct {
	Selector map[string]string `yaml:"selector"`
	Ports    []servicePort     `yaml:"ports"`
}

type servicePort struct {
	Name       string `yaml:"name,omitempty"`
	Port       int    `yaml:"port"`
	TargetPort int    `yaml:"targetPort"`
}

func configMapFor(cfg *Config, data string) configMap {
	key := filepath.Base(cfg.ConfigFile)
	return configMap{
		APIVersion: "v1",
		Kind:       "ConfigMap",
		Metadata: metadata{
			Name:      cfg.Name + "-config",
			Namespace: cfg.Namespace,
			Labels:    labelsFor(cfg, "config"),
		},
		Data: map[string]string{key: data},
	}
}

func hostDeployment(cfg *Config, port int) deployment {
	labels := labelsFor(cfg, "host")
	c := container{
		Name:  "host",
		Image: cfg.Image,
		Args:  []string{"host", "--listen", cfg.Listen},
		Ports: []containerPort{{Name: "grpc", ContainerPort: port}},
	}
	if cfg.MetricsPort > 0 {
		c.Args = append(c.Args, "--metrics-port", strconv.Itoa(cfg.MetricsPort))
		c.Ports = append(c.Ports, containerPort{Name: "metrics", ContainerPort: cfg.MetricsPort})
		c.LivenessProbe = &probe{
			HTTPGet:             httpGet{Path: "/health/live", Port: cfg.MetricsPort},
			InitialDelaySeconds: 5,
			PeriodSeconds:       10,
		}
		c.ReadinessProbe = &probe{
			HTTPGet: httpGet{Path: "/health/ready", Port: cfg.MetricsPort},
		}
	}
	return deployment{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Metadata: metadata{
			Name:      cfg.Name + "-host",
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: deploymentSpec{
			Replicas: 1,
			Selector: selector{MatchLabels: labels},
			Template: podTemplate{
				Metadata: metadata{Labels: labels},
				Spec:     podSpec{Containers: []container{c}},
			},
		},
	}
}

func hostService(cfg *Config, port int) service {
	return service{
		APIVersion: "v1",
		Kind:       "Service",
		Metadata: metadata{
			Name:      cfg.Name + "-host",
			Namespace: cfg.Namespace,
			Labels:    labelsFor(cfg, "host"),
		},
		Spec: serviceSpec{
			Selector: labelsFor(cfg, "host"),
			Ports:    []servicePort{{Name: "grpc", Port: port, TargetPort: port}},
		},
	}
}

func workerDeployment(cfg *Config, port int) deployment {
	labels := labelsFor(cfg, "worker")
	hostAddr := fmt.Sprintf("%s-host:%d", cfg.Name, port)

	c := container{
		Name:  "worker",
		Image: cfg.Image,
	}
	spec := podSpec{}

	if cfg.ConfigFile != "" {
		mountPath := "/etc/agentry"
		key := filepath.Base(cfg.ConfigFile)
		c.Args = []string{"worker", "--host", hostAddr, "-c", mountPath + "/" + key}
		c.VolumeMounts = []volumeMount{{Name: "config", MountPath: mountPath, ReadOnly: true}}
		spec.Volumes = []volume{{
			Name:      "config",
			ConfigMap: &configMapRef{Name: cfg.Name + "-config"},
		}}
	} else {
		c.Args = []string{"worker", "--host", hostAddr}
		for _, a := range strings.Split(cfg.Agents, ",") {
			if a = strings.TrimSpace(a); a != "" {
				c.Args = append(c.Args, "--agent", a)
			}
		}
	}
	spec.Containers = []container{c}

	return deployment{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Metadata: metadata{
			Name:      cfg.Name + "-worker",
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: deploymentSpec{
			Replicas: cfg.Workers,
			Selector: selector{MatchLabels: labels},
			Template: podTemplate{
				Metadata: metadata{Labels: labels},
				Spec:     spec,
			},
		},
	}
}

func labelsFor(cfg *Config, role string) map[string]string {
	return map[string]string{
		"app":  cfg.Name,
		"role": role,
	}
}

func listenPort(listen string) (int, error) {
	idx := strings.LastIndex(listen, ":")
	if idx < 0 {
		return 0, fmt.Errorf("listen address %q has no port", listen)
	}
	port, err := strconv.Atoi(listen[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q has no valid port", listen)
	}
	return port, nil
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func logInfo(format string, args ...interface{}) {
	log.Printf("%s[INFO]%s %s\n", colorGreen, colorReset, fmt.Sprintf(format, args...))
}

func logWarn(format string, args ...interface{}) {
	log.Printf("%s[WARN]%s %s\n", colorYellow, colorReset, fmt.Sprintf(format, args...))
}

func logError(format string, args ...interface{}) {
	log.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, fmt.Sprintf(format, args...))
}
