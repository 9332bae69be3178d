package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/keytower/keytower"
	"github.com/keytower/keytower/internal"
	"github.com/keytower/keytower/pkg/log"
)

var (
	clientFactory = awskms.New

	generateDataKeyFunc   = generateDataKey
	encryptAllRegionsFunc = encryptAllRegions

	encryptKeyTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.encryptkey", keytower.MetricsPrefix), nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.decryptkey", keytower.MetricsPrefix), nil)
)

// ClientAPI is the subset of the AWS KMS client this provider calls.
type ClientAPI interface {
	EncryptWithContext(aws.Context, *awskms.EncryptInput, ...request.Option) (*awskms.EncryptOutput, error)
	GenerateDataKeyWithContext(aws.Context, *awskms.GenerateDataKeyInput, ...request.Option) (*awskms.GenerateDataKeyOutput, error)
	DecryptWithContext(aws.Context, *awskms.DecryptInput, ...request.Option) (*awskms.DecryptOutput, error)
}

// RegionalClient pairs a KMS client with the region and master key ARN it
// operates against.
type RegionalClient struct {
	KMS    ClientAPI
	Region string
	ARN    string
}

func newRegionalClient(sess client.ConfigProvider, region, arn string) RegionalClient {
	return RegionalClient{
		KMS:    clientFactory(sess, aws.NewConfig().WithRegion(region)),
		Region: region,
		ARN:    arn,
	}
}

func createRegionalClients(arnMap map[string]string) ([]RegionalClient, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("unable to create new session: %w", err)
	}

	clients := make([]RegionalClient, 0, len(arnMap))

	for region, arn := range arnMap {
		clients = append(clients, newRegionalClient(sess, region, arn))
	}

	return clients, nil
}

// AWS implements KeyManagementService against one or more regional AWS KMS
// master keys: EncryptKey wraps under every configured region so the
// resulting envelope can be decrypted in any of them; DecryptKey tries the
// preferred region first, then falls back through the rest.
type AWS struct {
	Crypto  keytower.AEAD
	Clients []RegionalClient
}

func sortClients(preferredRegion string, clients []RegionalClient) []RegionalClient {
	sort.SliceStable(clients, func(i, _ int) bool {
		return clients[i].Region == preferredRegion
	})

	return clients
}

// NewAWS builds an AWS KMS provider from a map of region to master key ARN,
// trying preferredRegion first on decrypt.
func NewAWS(crypto keytower.AEAD, preferredRegion string, arnMap map[string]string) (*AWS, error) {
	clients, err := createRegionalClients(arnMap)
	if err != nil {
		return nil, err
	}

	return &AWS{
		Crypto:  crypto,
		Clients: sortClients(preferredRegion, clients),
	}, nil
}

// envelope is the wire shape stored in the Metastore: the key ciphertext
// plus one encrypted data-key-encryption-key per supported region, so any
// configured region can decrypt it.
type envelope struct {
	EncryptedKey []byte        `json:"encryptedKey"`
	KMSKEKs      encryptedKeys `json:"kmsKeks"`
}

type encryptedKeys []encryptedKey

func (k encryptedKeys) get(region string) *encryptedKey {
	for i := range k {
		if k[i].Region == region {
			return &k[i]
		}
	}

	return nil
}

type encryptedKey struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

// EncryptKey wraps key under a freshly generated data key, then wraps that
// data key under every configured region's master key.
func (m *AWS) EncryptKey(ctx context.Context, key []byte) ([]byte, error) {
	dataKey, err := generateDataKeyFunc(ctx, m.Clients)
	if err != nil {
		return nil, err
	}

	defer internal.MemClr(dataKey.Plaintext)

	encKeyBytes, err := m.Crypto.Encrypt(key, dataKey.Plaintext)
	if err != nil {
		return nil, err
	}

	en := envelope{
		EncryptedKey: encKeyBytes,
		KMSKEKs:      make(encryptedKeys, 0, len(m.Clients)),
	}

	for k := range encryptAllRegionsFunc(ctx, dataKey, m.Clients) {
		en.KMSKEKs = append(en.KMSKEKs, k)
	}

	return json.Marshal(en)
}

func encryptAllRegions(ctx context.Context, resp *awskms.GenerateDataKeyOutput, clients []RegionalClient) <-chan encryptedKey {
	var wg sync.WaitGroup

	results := make(chan encryptedKey, len(clients))

	for i := range clients {
		c := &clients[i]

		if c.ARN == *resp.KeyId {
			results <- encryptedKey{Region: c.Region, ARN: c.ARN, EncryptedKEK: resp.CiphertextBlob}
			continue
		}

		wg.Add(1)

		go func(c *RegionalClient) {
			defer wg.Done()
			defer encryptKeyTimer.UpdateSince(time.Now())

			resp, err := c.KMS.EncryptWithContext(ctx, &awskms.EncryptInput{
				KeyId:     aws.String(c.ARN),
				Plaintext: resp.Plaintext,
			})
			if err != nil {
				log.Debugf("error kms encrypt in region %s: %s", c.Region, err)
				return
			}

			results <- encryptedKey{Region: c.Region, ARN: c.ARN, EncryptedKEK: resp.CiphertextBlob}
		}(c)
	}

	go func() {
		defer close(results)
		wg.Wait()
	}()

	return results
}

// generateDataKey asks each region in turn, returning the first success.
func generateDataKey(ctx context.Context, clients []RegionalClient) (*awskms.GenerateDataKeyOutput, error) {
	for i := range clients {
		c := &clients[i]

		start := time.Now()

		resp, err := c.KMS.GenerateDataKeyWithContext(ctx, &awskms.GenerateDataKeyInput{
			KeyId:   &c.ARN,
			KeySpec: aws.String(awskms.DataKeySpecAes256),
		})

		metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.generatedatakey.%s", keytower.MetricsPrefix, c.Region), nil).UpdateSince(start)

		if err != nil {
			log.Debugf("error generating data key in region (%s), trying next region: %s", c.Region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.New("all regions returned errors")
}

// DecryptKey tries the preferred region first (Clients is pre-sorted), then
// falls back through the remaining regions.
func (m *AWS) DecryptKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	var en envelope

	if err := json.Unmarshal(wrapped, &en); err != nil {
		return nil, fmt.Errorf("unable to unmarshal envelope: %w", err)
	}

	for i := range m.Clients {
		c := &m.Clients[i]

		key := en.KMSKEKs.get(c.Region)
		if key == nil {
			continue
		}

		start := time.Now()

		output, err := c.KMS.DecryptWithContext(ctx, &awskms.DecryptInput{CiphertextBlob: key.EncryptedKEK})

		decryptKeyTimer.UpdateSince(start)

		if err != nil {
			log.Debugf("error kms decrypt in region %s: %s", c.Region, err)
			continue
		}

		plaintext, err := func() ([]byte, error) {
			defer internal.MemClr(output.Plaintext)
			return m.Crypto.Decrypt(en.EncryptedKey, output.Plaintext)
		}()
		if err != nil {
			log.Debugf("error crypto decrypt: %s", err)
			continue
		}

		return plaintext, nil
	}

	return nil, errors.New("decrypt failed in all regions")
}

var _ keytower.KeyManagementService = (*AWS)(nil)
