// Package k8sclient wires up the Kubernetes API client used to create and
// tear down execution and warm-pool pods.
package k8sclient

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// New returns a Kubernetes client, preferring in-cluster config and
// falling back to the local kubeconfig for out-of-cluster development.
func New() (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig: %w", err)
		}
	}
	return kubernetes.NewForConfig(config)
}
