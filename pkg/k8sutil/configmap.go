package k8sutil

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	v1meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ConfigMapRef points at one key of a ConfigMap, written as
// "namespace/name[:key]". The chart mounts the services document this way so
// it can be edited without redeploying the CronJob.
type ConfigMapRef struct {
	Namespace string
	Name      string
	Key       string
}

const defaultConfigMapKey = "services.json"

// ParseConfigMapRef parses a "namespace/name[:key]" reference.
func ParseConfigMapRef(ref string) (ConfigMapRef, error) {
	out := ConfigMapRef{Key: defaultConfigMapKey}

	rest := ref
	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		out.Key = rest[idx+1:]
		rest = rest[:idx]
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || out.Key == "" {
		return ConfigMapRef{}, errors.Errorf("malformed configmap reference %q, want namespace/name[:key]", ref)
	}
	out.Namespace = parts[0]
	out.Name = parts[1]
	return out, nil
}

// ReadConfigMapKey fetches the referenced key's value.
func ReadConfigMapKey(ctx context.Context, kube kubernetes.Interface, ref ConfigMapRef) (string, error) {
	cm, err := kube.CoreV1().ConfigMaps(ref.Namespace).Get(ctx, ref.Name, v1meta.GetOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "unable to get configmap %s/%s", ref.Namespace, ref.Name)
	}
	value, ok := cm.Data[ref.Key]
	if !ok {
		return "", errors.Errorf("configmap %s/%s has no key %q", ref.Namespace, ref.Name, ref.Key)
	}
	return value, nil
}
