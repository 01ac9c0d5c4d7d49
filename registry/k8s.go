package registry

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	// enabling gcp auth for GKE clusters
	_ "k8s.io/client-go/plugin/pkg/client/auth/gcp"

	"github.com/oakmesh/iris/ierr"
)

// directoryConfigMap is the name of the ConfigMap used as a lightweight
// service directory: Kubernetes has no "advertise my endpoint"
// primitive analogous to an ephemeral znode, so Register writes into a
// shared ConfigMap keyed by service type instead. Discover/Get for
// anything backed by a real Kubernetes Service instead resolves via its
// EndpointSlice, which is the source of truth once a Service exists.
const directoryConfigMap = "iris-registry"

// K8sRegistry implements Registry against a Kubernetes cluster: service
// types matching an existing Service resource resolve via EndpointSlice;
// anything else falls back to the iris-registry ConfigMap directory.
// Grounded on components/kubernetes's client bootstrap (in-cluster
// config vs kubeconfig flag).
type K8sRegistry struct {
	clientset kubernetes.Interface
	namespace string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewK8sRegistry builds a client-go clientset: in-cluster config when
// inCluster is true, otherwise the local kubeconfig.
func NewK8sRegistry(namespace string, inCluster bool) (*K8sRegistry, error) {
	clientset, err := k8sClient(inCluster)
	if err != nil {
		return nil, err
	}
	return &K8sRegistry{
		clientset: clientset,
		namespace: namespace,
		rng:       rand.New(rand.NewSource(1)),
	}, nil
}

func k8sClient(inCluster bool) (*kubernetes.Clientset, error) {
	if inCluster {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("%w: in-cluster config: %v", ierr.ErrCoordinatorError, err)
		}
		return kubernetes.NewForConfig(config)
	}

	var kubeconfig *string
	if home := homeDir(); home != "" {
		kubeconfig = flag.String("kubeconfig", filepath.Join(home, ".kube", "config"), "(optional) absolute path to the kubeconfig file")
	} else {
		kubeconfig = flag.String("kubeconfig", "", "absolute path to the kubeconfig file")
	}
	flag.Parse()

	config, err := clientcmd.BuildConfigFromFlags("", *kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("%w: kubeconfig: %v", ierr.ErrCoordinatorError, err)
	}
	return kubernetes.NewForConfig(config)
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

// Install implements Registry.
func (k *K8sRegistry) Install(c Container) error { return nil }

// OnStart implements Registry.
func (k *K8sRegistry) OnStart(ctx context.Context) error { return nil }

// OnStop implements Registry.
func (k *K8sRegistry) OnStop(ctx context.Context) error { return nil }

type directory map[string][]string

func (k *K8sRegistry) readDirectory(ctx context.Context) (directory, string, error) {
	cm, err := k.clientset.CoreV1().ConfigMaps(k.namespace).Get(ctx, directoryConfigMap, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return directory{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: read directory: %v", ierr.ErrLookupFailure, err)
	}
	dir := directory{}
	raw, ok := cm.Data["entries.json"]
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &dir); err != nil {
			return nil, "", fmt.Errorf("%w: decode directory: %v", ierr.ErrLookupFailure, err)
		}
	}
	return dir, cm.ResourceVersion, nil
}

// Register implements Registry by appending c's endpoint under
// serviceType in the directory ConfigMap, creating it if absent.
// Concurrent registrations race on the ConfigMap's resourceVersion;
// losing a race (an update conflict, or a create that finds the
// ConfigMap already present) retries the read-modify-write once.
func (k *K8sRegistry) Register(ctx context.Context, c Container, serviceType string) error {
	exists := false
	for attempt := 0; attempt < 2; attempt++ {
		dir, rv, err := k.readDirectory(ctx)
		if err != nil {
			return err
		}
		endpoints := dir[serviceType]
		already := false
		for _, e := range endpoints {
			if e == c.Endpoint() {
				already = true
				break
			}
		}
		if !already {
			dir[serviceType] = append(endpoints, c.Endpoint())
		}
		encoded, err := json.Marshal(dir)
		if err != nil {
			return fmt.Errorf("%w: encode directory: %v", ierr.ErrRegistrationFailure, err)
		}

		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:            directoryConfigMap,
				Namespace:       k.namespace,
				ResourceVersion: rv,
			},
			Data: map[string]string{"entries.json": string(encoded)},
		}

		var writeErr error
		if rv == "" && !exists {
			_, writeErr = k.clientset.CoreV1().ConfigMaps(k.namespace).Create(ctx, cm, metav1.CreateOptions{})
		} else {
			_, writeErr = k.clientset.CoreV1().ConfigMaps(k.namespace).Update(ctx, cm, metav1.UpdateOptions{})
		}
		if writeErr == nil {
			return nil
		}
		if apierrors.IsAlreadyExists(writeErr) {
			exists = true
			continue
		}
		if !apierrors.IsConflict(writeErr) {
			return fmt.Errorf("%w: write directory: %v", ierr.ErrRegistrationFailure, writeErr)
		}
	}
	return fmt.Errorf("%w: directory update conflict after retry", ierr.ErrRegistrationFailure)
}

type k8sInstance struct{ endpoint string }

func (i k8sInstance) Endpoint(ctx context.Context) (string, error) { return i.endpoint, nil }

// Get implements Registry. It first tries resolving serviceType as a
// Kubernetes Service name via its EndpointSlice (the cluster's own
// source of truth for live pod addresses); if no such Service exists it
// falls back to the directory ConfigMap, picking uniformly at random
// between whichever endpoints are listed.
func (k *K8sRegistry) Get(ctx context.Context, c Container, serviceType string) (Instance, error) {
	if endpoint, ok, err := k.resolveService(ctx, serviceType); err != nil {
		return nil, err
	} else if ok {
		return k8sInstance{endpoint: endpoint}, nil
	}

	dir, _, err := k.readDirectory(ctx)
	if err != nil {
		return nil, err
	}
	endpoints := dir[serviceType]
	if len(endpoints) == 0 {
		return nil, ErrUnknownServiceType(serviceType)
	}

	k.mu.Lock()
	pick := k.rng.Intn(len(endpoints))
	k.mu.Unlock()
	return k8sInstance{endpoint: endpoints[pick]}, nil
}

func (k *K8sRegistry) resolveService(ctx context.Context, serviceType string) (string, bool, error) {
	slices, err := k.clientset.DiscoveryV1().EndpointSlices(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("kubernetes.io/service-name=%s", serviceType),
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: list endpointslices: %v", ierr.ErrLookupFailure, err)
	}
	var candidates []string
	for _, slice := range slices.Items {
		for _, ep := range slice.Endpoints {
			if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
				continue
			}
			for _, addr := range ep.Addresses {
				for _, port := range slice.Ports {
					if port.Port != nil {
						candidates = append(candidates, fmt.Sprintf("%s:%d", addr, *port.Port))
					}
				}
			}
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	k.mu.Lock()
	pick := k.rng.Intn(len(candidates))
	k.mu.Unlock()
	return candidates[pick], true, nil
}

// Discover implements Registry: the union of directory-advertised
// service types and the Service names of every EndpointSlice in the
// namespace, whether or not its endpoints are ready.
func (k *K8sRegistry) Discover(ctx context.Context, c Container) ([]string, error) {
	dir, _, err := k.readDirectory(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for serviceType := range dir {
		if !seen[serviceType] {
			seen[serviceType] = true
			out = append(out, serviceType)
		}
	}

	slices, err := k.clientset.DiscoveryV1().EndpointSlices(k.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: list endpointslices: %v", ierr.ErrLookupFailure, err)
	}
	for _, slice := range slices.Items {
		name, ok := slice.Labels["kubernetes.io/service-name"]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}
