// Package podfactory builds, creates, and deletes the sandbox pods that
// back every language's warm pool: a sidecar container that receives code
// over HTTP, paired with the language runtime container it executes inside.
package podfactory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/sandrunner/sandrunner/internal/language"
)

// validSeccompProfiles is the allowlist of seccomp profile configuration
// values: only RuntimeDefault and Unconfined are accepted.
var validSeccompProfiles = map[string]bool{
	"RuntimeDefault": true,
	"Unconfined":     true,
}

// Config parameterises pod manifests for every pool, independent of the
// per-language table.
type Config struct {
	Namespace        string
	SidecarImage     string
	SidecarPort      int
	CPULimit         string
	MemoryLimit      string
	SeccompProfile   string
	ReadyTimeout     time.Duration
	NetworkIsolated  bool
}

// Handle is the factory's view of one pod: enough to address it over the
// network and to delete it later. Ownership and status transitions beyond
// that belong to the pool.
type Handle struct {
	UID       string
	Name      string
	Namespace string
	Language  string
	PodIP     string
	CreatedAt time.Time
	SessionID string
}

// Factory creates and destroys pods on the cluster.
type Factory struct {
	client kubernetes.Interface
	cfg    Config
}

// New creates a Factory. cfg.SeccompProfile must already be validated by
// the configuration loader; New re-validates defensively.
func New(client kubernetes.Interface, cfg Config) (*Factory, error) {
	if !validSeccompProfiles[cfg.SeccompProfile] {
		return nil, fmt.Errorf("podfactory: invalid seccomp profile %q", cfg.SeccompProfile)
	}
	return &Factory{client: client, cfg: cfg}, nil
}

// poolType and executionType label the "type" label distinguishing
// pre-warmed pool pods from pods created on demand for one execution.
const (
	poolType      = "pool"
	executionType = "execution"
)

// Create submits a pod manifest for lang and blocks until the sidecar
// reports ready or cfg.ReadyTimeout elapses. isExecution selects the
// type=execution label over type=pool; sessionID is optional.
func (f *Factory) Create(ctx context.Context, lang language.Spec, isExecution bool, sessionID string) (*Handle, error) {
	name := fmt.Sprintf("sandrunner-%s-%s", lang.Code, randomSuffix(8))
	podType := poolType
	if isExecution {
		podType = executionType
	}

	pod := f.manifest(name, lang, podType, sessionID)

	created, err := f.client.CoreV1().Pods(f.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating pod: %w", err)
	}

	if f.cfg.NetworkIsolated {
		policy := f.networkPolicy(name)
		if _, err := f.client.NetworkingV1().NetworkPolicies(f.cfg.Namespace).Create(ctx, policy, metav1.CreateOptions{}); err != nil {
			f.Delete(context.Background(), name)
			return nil, fmt.Errorf("creating network policy: %w", err)
		}
	}

	handle := &Handle{
		UID:       string(created.UID),
		Name:      created.Name,
		Namespace: f.cfg.Namespace,
		Language:  lang.Code,
		CreatedAt: time.Now(),
		SessionID: sessionID,
	}

	ip, err := f.waitForReady(ctx, name)
	if err != nil {
		f.Delete(context.Background(), name)
		return nil, err
	}
	handle.PodIP = ip
	return handle, nil
}

// waitForReady polls pod status until the sidecar container is ready and
// pod_ip is populated, or cfg.ReadyTimeout elapses.
func (f *Factory) waitForReady(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(f.cfg.ReadyTimeout)
	const pollInterval = 500 * time.Millisecond

	for {
		pod, err := f.client.CoreV1().Pods(f.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil && pod.Status.PodIP != "" && sidecarReady(pod) {
			return pod.Status.PodIP, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("pod %s did not become ready within %s", name, f.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func sidecarReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == "sidecar" {
			return cs.Ready
		}
	}
	return false
}

// Delete is best-effort: a 404 is treated as success, other errors are
// returned for the caller to log. Callers must still drop the handle from
// their in-memory maps regardless of the outcome. The pod's NetworkPolicy,
// if any, shares its name and is cleaned up the same way.
func (f *Factory) Delete(ctx context.Context, name string) error {
	err := f.client.CoreV1().Pods(f.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", name, err)
	}
	if polErr := f.client.NetworkingV1().NetworkPolicies(f.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); polErr != nil && !apierrors.IsNotFound(polErr) {
		return fmt.Errorf("deleting network policy %s: %w", name, polErr)
	}
	return nil
}

// networkPolicy denies all traffic for the pod named name except inbound
// connections to the sidecar port, outbound DNS, and outbound connections
// that don't target the cloud metadata endpoint or RFC1918 private ranges — the
// "no inter-pod talk, no metadata endpoint, no private ranges" isolation
// NetworkIsolated promises.
func (f *Factory) networkPolicy(name string) *networkingv1.NetworkPolicy {
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP
	sidecarPort := intstr.FromInt(f.cfg.SidecarPort)
	dnsPort := intstr.FromInt(53)

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: f.cfg.Namespace,
			Labels:    map[string]string{"managed": "true"},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{"pod-name": name},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{Ports: []networkingv1.NetworkPolicyPort{{Protocol: &tcp, Port: &sidecarPort}}},
			},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{Ports: []networkingv1.NetworkPolicyPort{{Protocol: &udp, Port: &dnsPort}, {Protocol: &tcp, Port: &dnsPort}}},
				{
					To: []networkingv1.NetworkPolicyPeer{
						{
							IPBlock: &networkingv1.IPBlock{
								CIDR: "0.0.0.0/0",
								Except: []string{
									"169.254.169.254/32",
									"10.0.0.0/8",
									"172.16.0.0/12",
									"192.168.0.0/16",
								},
							},
						},
					},
				},
			},
		},
	}
}

func (f *Factory) manifest(name string, lang language.Spec, podType, sessionID string) *corev1.Pod {
	labels := map[string]string{
		"managed":    "true",
		"type":       podType,
		"language":   lang.Code,
		"pod-name":   name,
		"created-at": time.Now().UTC().Format(time.RFC3339),
	}
	if sessionID != "" {
		labels["session-id"] = sessionID
	}

	sidecarEnv := []corev1.EnvVar{
		{Name: "SANDRUNNER_LANGUAGE", Value: lang.Code},
		{Name: "SANDRUNNER_EXEC_COMMAND", Value: lang.ExecutionCommand},
	}
	if f.cfg.NetworkIsolated {
		for k, v := range language.GoProxyOverrides(lang.Code) {
			sidecarEnv = append(sidecarEnv, corev1.EnvVar{Name: k, Value: v})
		}
	}

	uid := lang.UserID
	falseVal := false
	trueVal := true

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: f.cfg.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: &falseVal,
			EnableServiceLinks:           enableServiceLinks(f.cfg.NetworkIsolated),
			DNSPolicy:                    dnsPolicy(f.cfg.NetworkIsolated),
			DNSConfig:                    dnsConfig(f.cfg.NetworkIsolated),
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: &trueVal,
				RunAsUser:    &uid,
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileType(f.cfg.SeccompProfile),
				},
			},
			Containers: []corev1.Container{
				{
					Name:  "sidecar",
					Image: f.cfg.SidecarImage,
					Ports: []corev1.ContainerPort{
						{ContainerPort: int32(f.cfg.SidecarPort), Protocol: corev1.ProtocolTCP},
					},
					Env: sidecarEnv,
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/health",
								Port: intstr.FromInt(f.cfg.SidecarPort),
							},
						},
						PeriodSeconds: 1,
					},
					Resources:       f.resourceRequirements(lang),
					SecurityContext: containerSecurityContext(),
				},
				{
					Name:            "runtime",
					Image:           lang.Image,
					Command:         []string{"sleep", "infinity"},
					Resources:       f.resourceRequirements(lang),
					SecurityContext: containerSecurityContext(),
				},
			},
		},
	}

	return pod
}

func containerSecurityContext() *corev1.SecurityContext {
	falseVal := false
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: &falseVal,
		Capabilities: &corev1.Capabilities{
			Drop: []corev1.Capability{"ALL"},
		},
	}
}

func (f *Factory) resourceRequirements(lang language.Spec) corev1.ResourceRequirements {
	cpu := resource.MustParse(f.cfg.CPULimit)
	mem := scaledMemory(f.cfg.MemoryLimit, lang.MemoryMultiplier)
	return corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    cpu,
			corev1.ResourceMemory: mem,
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    cpu,
			corev1.ResourceMemory: mem,
		},
	}
}

// scaledMemory applies a language's memory multiplier to the configured
// base limit; a multiplier of 0 or 1 returns the base unchanged.
func scaledMemory(base string, multiplier float64) resource.Quantity {
	q := resource.MustParse(base)
	if multiplier == 1.0 || multiplier == 0 {
		return q
	}
	scaled := int64(float64(q.Value()) * multiplier)
	return *resource.NewQuantity(scaled, resource.BinarySI)
}

// enableServiceLinks, dnsPolicy, and dnsConfig carry NetworkIsolated into
// pod-spec-level isolation (no cluster Service env-var injection, no
// cluster DNS search path), the same fields codewire's pod builder sets
// unconditionally for its own sandboxed pods.
func enableServiceLinks(isolated bool) *bool {
	v := !isolated
	return &v
}

func dnsPolicy(isolated bool) corev1.DNSPolicy {
	if isolated {
		return corev1.DNSNone
	}
	return corev1.DNSClusterFirst
}

func dnsConfig(isolated bool) *corev1.PodDNSConfig {
	if !isolated {
		return nil
	}
	return &corev1.PodDNSConfig{}
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
