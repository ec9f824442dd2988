// ABOUTME: This file implements Kubernetes Secret-backed bearer token storage
// ABOUTME: Keeps the token record in a namespaced Secret for in-cluster deployments

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"auth-token-manager/models"
)

const (
	secretKeyTokenRecord = "token_record"
	secretKeyBearerToken = "bearer_token"
	secretKeyExpiresAt   = "expires_at"
)

// KubernetesSecretTokenRepository implements AuthTokenRepository backed by a
// Kubernetes Secret. The full record lives under token_record; bearer_token
// and expires_at are duplicated as separate keys so operators can inspect
// them with kubectl without decoding JSON.
type KubernetesSecretTokenRepository struct {
	client     kubernetes.Interface
	namespace  string
	secretName string
	logger     *slog.Logger
}

// NewKubernetesSecretTokenRepository creates a Secret-backed token repository.
func NewKubernetesSecretTokenRepository(client kubernetes.Interface, namespace, secretName string, logger *slog.Logger) *KubernetesSecretTokenRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &KubernetesSecretTokenRepository{
		client:     client,
		namespace:  namespace,
		secretName: secretName,
		logger:     logger,
	}
}

// GetCurrentToken reads the token record from the Secret.
func (r *KubernetesSecretTokenRepository) GetCurrentToken(ctx context.Context) (*models.AuthToken, error) {
	secret, err := r.client.CoreV1().Secrets(r.namespace).Get(ctx, r.secretName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: failed to get secret %s/%s: %v", ErrStorageError, r.namespace, r.secretName, err)
	}

	data, exists := secret.Data[secretKeyTokenRecord]
	if !exists || len(data) == 0 {
		return nil, ErrTokenNotFound
	}

	var token models.AuthToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("%w: secret %s contains corrupt token record: %v", ErrStorageError, r.secretName, err)
	}

	return &token, nil
}

// SaveToken upserts the Secret with the token record.
func (r *KubernetesSecretTokenRepository) SaveToken(ctx context.Context, token *models.AuthToken) error {
	if err := validateToken(token); err != nil {
		return err
	}

	record, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal token record: %v", ErrStorageError, err)
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.secretName,
			Namespace: r.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "auth-token-manager",
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			secretKeyTokenRecord: record,
			secretKeyBearerToken: []byte(token.Token),
			secretKeyExpiresAt:   []byte(token.ExpiresAt.Format(time.RFC3339)),
		},
	}

	_, err = r.client.CoreV1().Secrets(r.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		_, err = r.client.CoreV1().Secrets(r.namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("%w: failed to save secret %s/%s: %v", ErrStorageError, r.namespace, r.secretName, err)
	}

	r.logger.Info("Token saved to Kubernetes secret",
		"namespace", r.namespace,
		"secret_name", r.secretName,
		"expires_at", token.ExpiresAt.Format(time.RFC3339))

	return nil
}

// DeleteToken removes the Secret. A missing Secret is not an error.
func (r *KubernetesSecretTokenRepository) DeleteToken(ctx context.Context) error {
	err := r.client.CoreV1().Secrets(r.namespace).Delete(ctx, r.secretName, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("%w: failed to delete secret %s/%s: %v", ErrStorageError, r.namespace, r.secretName, err)
	}

	return nil
}

// HasValidToken reports whether the Secret holds an unexpired token.
func (r *KubernetesSecretTokenRepository) HasValidToken(ctx context.Context) bool {
	token, err := r.GetCurrentToken(ctx)
	return err == nil && token.IsValid()
}
