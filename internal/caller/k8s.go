package caller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"

	"jobctl/internal/apperrors"
	"jobctl/internal/executor"
	"jobctl/internal/job"
	"jobctl/internal/k8s"
)

// PodManager is the pod API the k8s backend needs. *k8s.Client implements it.
type PodManager interface {
	Create(ctx context.Context, req k8s.PodRequest) (*corev1.Pod, error)
	Status(ctx context.Context, namespace, name string) (k8s.PodStatus, error)
	Delete(ctx context.Context, namespace, name string) error
	List(ctx context.Context, namespace string) ([]corev1.Pod, error)
	Ping(ctx context.Context) error
}

type podBackend struct {
	cfg    k8s.Config
	pods   PodManager
	now    func() time.Time
	logger *slog.Logger
}

// NewK8sCaller creates a caller that runs executors as Kubernetes pods.
func NewK8sCaller(d Deps, kcfg k8s.Config, pods PodManager) *BaseCaller {
	b := &podBackend{
		cfg:    kcfg,
		pods:   pods,
		now:    time.Now,
		logger: slog.With("component", "k8s-backend"),
	}
	return newBaseCaller(b, d)
}

func (b *podBackend) runMode() job.RunMode { return job.RunModeK8s }

func (b *podBackend) validate() error {
	if b.pods == nil {
		return apperrors.Fatal("caller.k8s.config", "pod manager is required")
	}
	if b.cfg.Namespace == "" {
		return apperrors.Fatal("caller.k8s.config", "namespace is required")
	}
	if b.cfg.PendingTimeout <= 0 {
		return apperrors.Fatal("caller.k8s.config", "pending timeout must be positive")
	}
	return nil
}

func (b *podBackend) ready(ctx context.Context) error {
	return b.pods.Ping(ctx)
}

func (b *podBackend) doStart(ctx context.Context, rec *job.Record, name string, env map[string]string) (executor.Identifier, error) {
	// Each attempt gets its own pod, so a start that loses the race only
	// ever compensates the pod it created.
	pod, err := b.pods.Create(ctx, k8s.PodRequest{
		Name:         executor.NewPodName(name),
		Namespace:    b.cfg.Namespace,
		JobID:        rec.ID.String(),
		ExecutorName: name,
		Env:          env,
	})
	if err != nil {
		return nil, err
	}

	namespace := pod.Namespace
	if namespace == "" {
		namespace = b.cfg.Namespace
	}
	b.logger.Info("Executor pod created", "namespace", namespace, "pod", pod.Name, "jobId", rec.ID)
	return b.podIdentifier(namespace, name, pod.Name), nil
}

func (b *podBackend) podIdentifier(namespace, executorName, podName string) executor.PodIdentifier {
	return executor.PodIdentifier{
		CloudProvider: b.cfg.CloudProvider,
		Region:        b.cfg.Region,
		ClusterName:   b.cfg.ClusterName,
		Namespace:     namespace,
		ExecutorName:  executorName,
		PodName:       podName,
	}
}

func (b *podBackend) listExecutors(ctx context.Context) ([]liveExecutor, error) {
	pods, err := b.pods.List(ctx, b.cfg.Namespace)
	if err != nil {
		return nil, err
	}
	out := make([]liveExecutor, 0, len(pods))
	for _, pod := range pods {
		id, err := job.ParseIdentity(pod.Labels[k8s.LabelJobID])
		if err != nil {
			b.logger.Warn("Executor pod without a job id label", "pod", pod.Name)
			continue
		}
		out = append(out, liveExecutor{
			jobID: id,
			ident: b.podIdentifier(pod.Namespace, pod.Labels[k8s.LabelExecutorName], pod.Name),
		})
	}
	return out, nil
}

func (b *podBackend) sameExecutor(recorded, found executor.Identifier) bool {
	r, rok := recorded.(executor.PodIdentifier)
	f, fok := found.(executor.PodIdentifier)
	return rok && fok && r.Namespace == f.Namespace && r.PodName == f.PodName
}

func podIdent(id executor.Identifier) (executor.PodIdentifier, error) {
	p, ok := id.(executor.PodIdentifier)
	if !ok {
		return executor.PodIdentifier{}, apperrors.Fatal("caller.k8s", fmt.Sprintf("not a pod identifier: %s", id.Encode()))
	}
	return p, nil
}

func (b *podBackend) isExecutorExist(ctx context.Context, id executor.Identifier) (bool, error) {
	p, err := podIdent(id)
	if err != nil {
		return false, err
	}
	status, err := b.pods.Status(ctx, p.Namespace, p.PodName)
	if err != nil {
		return false, err
	}
	return status.Exists(), nil
}

// checkDestroy defers a pod that is still pending within the timeout;
// it may be waiting on image pulls or scheduling.
func (b *podBackend) checkDestroy(ctx context.Context, rec *job.Record, id executor.Identifier) (destroyDecision, error) {
	p, err := podIdent(id)
	if err != nil {
		return destroyNow, err
	}
	status, err := b.pods.Status(ctx, p.Namespace, p.PodName)
	if err != nil {
		return destroyNow, err
	}
	if status != k8s.PodPending || rec.StartedAt.IsZero() {
		return destroyNow, nil
	}
	if pending := b.now().Sub(rec.StartedAt); pending < b.cfg.PendingTimeout {
		b.logger.Info("Pod still pending, destroy deferred", "pod", p.PodName, "pendingFor", pending.Round(time.Second))
		return destroyDeferred, nil
	}
	return destroyNow, nil
}

func (b *podBackend) doDestroy(ctx context.Context, id executor.Identifier) error {
	p, err := podIdent(id)
	if err != nil {
		return err
	}
	if err := b.pods.Delete(ctx, p.Namespace, p.PodName); err != nil {
		return apperrors.FatalCause("caller.k8s.destroy", err)
	}
	return nil
}

var _ PodManager = (*k8s.Client)(nil)
