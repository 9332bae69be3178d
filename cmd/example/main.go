// Command example demonstrates wiring a SessionFactory, encrypting and
// decrypting a payload, and swapping in alternate Metastore/KMS backends.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/keytower/keytower"
	"github.com/keytower/keytower/pkg/crypto/aead"
	ktwlog "github.com/keytower/keytower/pkg/log"
	"github.com/keytower/keytower/pkg/kms"
	"github.com/keytower/keytower/pkg/metastore"
	"github.com/keytower/keytower/pkg/persistence"
)

type loggerFunc func(format string, v ...interface{})

func (f loggerFunc) Debugf(format string, v ...interface{}) { f(format, v...) }

func main() {
	var (
		metastoreFlag = flag.String("metastore", "memory", "metastore backend: memory, rdbms, dynamodb")
		kmsFlag       = flag.String("kms", "static", "kms backend: static, aws")
		region        = flag.String("region", "", "preferred AWS region (kms=aws)")
		regionMap     = flag.String("map", "", "comma separated <region>=<kms_arn> tuples (kms=aws)")
		conn          = flag.String("conn", "", "MySQL DSN (metastore=rdbms)")
		verbose       = flag.Bool("verbose", false, "log key cache evictions and key/session lifecycle events")
	)
	flag.Parse()

	if *verbose {
		ktwlog.SetLogger(loggerFunc(log.Printf))
	}

	crypto := aead.NewAES256GCM()

	keyManager, err := createKMS(*kmsFlag, crypto, *region, *regionMap)
	if err != nil {
		log.Fatal(err)
	}

	store, err := createMetastore(*metastoreFlag, *conn)
	if err != nil {
		log.Fatal(err)
	}

	config := &keytower.Config{
		Service: "exampleService",
		Product: "exampleProduct",
		Policy:  keytower.NewCryptoPolicy(),
	}

	factory := keytower.NewSessionFactory(config, store, keyManager, crypto)
	defer factory.Close()

	session, err := factory.GetSession("shopper-123456")
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	ctx := context.Background()

	payload := []byte(`{"firstName":"Jane","lastName":"Doe"}`)

	records := persistence.NewMemory()

	start := time.Now()

	key, err := session.Store(ctx, payload, records)
	if err != nil {
		log.Fatal(err)
	}

	decrypted, err := session.Load(ctx, key, records)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("round trip in %s\n", time.Since(start))

	var pretty map[string]interface{}
	if err := json.Unmarshal(decrypted, &pretty); err != nil {
		log.Fatal(err)
	}

	fmt.Println("decrypted:", pretty)
}

func createKMS(kind string, crypto keytower.AEAD, region, regionMap string) (keytower.KeyManagementService, error) {
	if kind == "aws" {
		if region == "" || regionMap == "" {
			return nil, fmt.Errorf("-region and -map are required with -kms=aws")
		}

		arns := make(map[string]string)

		for _, pair := range strings.Split(regionMap, ",") {
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid -map entry %q, want region=arn", pair)
			}

			arns[parts[0]] = parts[1]
		}

		return kms.NewAWS(crypto, region, arns)
	}

	return kms.NewStatic("thisIsAStaticMasterKeyForTesting", crypto)
}

func createMetastore(kind, conn string) (keytower.Metastore, error) {
	switch kind {
	case "rdbms":
		if conn == "" {
			return nil, fmt.Errorf("-conn is required with -metastore=rdbms")
		}

		db, err := sql.Open("mysql", conn)
		if err != nil {
			return nil, err
		}

		return metastore.NewSQL(db), nil
	case "dynamodb":
		sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
		if err != nil {
			return nil, err
		}

		return metastore.NewDynamoDB(sess), nil
	default:
		return metastore.NewMemory(), nil
	}
}
