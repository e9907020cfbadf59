// Package k8s mirrors the secrets snapshot into a Kubernetes Secret.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"secrets-hub/pkg/secrets"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	managedByLabel       = "app.kubernetes.io/managed-by"
	managedByValue       = "secrets-hub"
	generationAnnotation = "secrets-hub/generation"
	pathAnnotation       = "secrets-hub/path"
)

// ErrNotManaged is returned when the target Secret exists but was not created by this sink.
var ErrNotManaged = errors.New("secret exists and is not managed by secrets-hub")

// NewClientset builds a clientset from kubeconfig, or from the in-cluster
// service account when kubeconfig is empty.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kube_config_failed: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

// SecretSink upserts one Opaque Secret holding the snapshot.
type SecretSink struct {
	client    kubernetes.Interface
	namespace string
	name      string
	path      string
	labels    map[string]string
	logger    *slog.Logger
}

// NewSecretSink targets namespace/name. path is recorded as an annotation.
func NewSecretSink(client kubernetes.Interface, namespace, name, path string, labels map[string]string, logger *slog.Logger) (*SecretSink, error) {
	if client == nil {
		return nil, errors.New("kubernetes client must not be nil")
	}
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return nil, fmt.Errorf("invalid secret name %q: %s", name, strings.Join(errs, "; "))
	}
	if errs := validation.IsDNS1123Label(namespace); len(errs) > 0 {
		return nil, fmt.Errorf("invalid namespace %q: %s", namespace, strings.Join(errs, "; "))
	}
	if logger == nil {
		logger = slog.Default()
	}

	merged := map[string]string{}
	for k, v := range labels {
		merged[k] = v
	}
	merged[managedByLabel] = managedByValue

	return &SecretSink{
		client:    client,
		namespace: namespace,
		name:      name,
		path:      path,
		labels:    merged,
		logger:    logger.With("component", "sinks.k8s", "namespace", namespace, "secret", name),
	}, nil
}

// Sync creates or updates the Secret so its data matches snap.
func (s *SecretSink) Sync(ctx context.Context, snap *secrets.Snapshot) error {
	data, skipped := secretData(snap)
	for _, k := range skipped {
		s.logger.Warn("secret_key_skipped", "key", k, "reason", "invalid_kubernetes_key")
	}

	secretsAPI := s.client.CoreV1().Secrets(s.namespace)
	existing, err := secretsAPI.Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		desired := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:        s.name,
				Namespace:   s.namespace,
				Labels:      s.labels,
				Annotations: s.annotations(snap),
			},
			Type: corev1.SecretTypeOpaque,
			Data: data,
		}
		if _, err := secretsAPI.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create_secret_failed: %w", err)
		}
		s.logger.Info("secret_created", "generation", snap.Generation, "keys", len(data))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get_secret_failed: %w", err)
	}

	if existing.Labels[managedByLabel] != managedByValue {
		return ErrNotManaged
	}

	updated := existing.DeepCopy()
	updated.Data = data
	if updated.Labels == nil {
		updated.Labels = map[string]string{}
	}
	for k, v := range s.labels {
		updated.Labels[k] = v
	}
	if updated.Annotations == nil {
		updated.Annotations = map[string]string{}
	}
	for k, v := range s.annotations(snap) {
		updated.Annotations[k] = v
	}

	if _, err := secretsAPI.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update_secret_failed: %w", err)
	}
	s.logger.Info("secret_updated", "generation", snap.Generation, "keys", len(data))
	return nil
}

// Listener adapts Sync for Provider.OnChange. Failures are logged.
func (s *SecretSink) Listener(ctx context.Context) secrets.Listener {
	return func(change secrets.Change) {
		if !change.Changed() {
			return
		}
		if err := s.Sync(ctx, change.Snapshot); err != nil {
			s.logger.Error("secret_sync_failed", "generation", change.Generation, "error", err)
		}
	}
}

func (s *SecretSink) annotations(snap *secrets.Snapshot) map[string]string {
	return map[string]string{
		generationAnnotation: strconv.FormatUint(snap.Generation, 10),
		pathAnnotation:       s.path,
	}
}

// secretData converts flattened keys ("db:host") to Secret keys ("db.host").
// Keys Kubernetes would reject are returned in skipped.
func secretData(snap *secrets.Snapshot) (map[string][]byte, []string) {
	data := make(map[string][]byte, snap.Len())
	var skipped []string
	for _, kv := range snap.Entries() {
		key := strings.ReplaceAll(kv.Key, ":", ".")
		if len(validation.IsConfigMapKey(key)) > 0 {
			skipped = append(skipped, kv.Key)
			continue
		}
		data[key] = []byte(kv.Value)
	}
	return data, skipped
}
