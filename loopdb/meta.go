package loopdb

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	// metaBucketKey stores all the meta information concerning the state
	// of the database.
	metaBucketKey = []byte("metadata")

	// dbVersionKey is a key used in the meta bucket to store the current
	// database version.
	dbVersionKey = []byte("dbp")
)

// latestDBVersion is the current database version.
const latestDBVersion = uint32(0)

// getDBVersion retrieves the current database version.
func getDBVersion(tx *bbolt.Tx) (uint32, error) {
	metaBucket := tx.Bucket(metaBucketKey)
	if metaBucket == nil {
		return 0, fmt.Errorf("bucket %s not found",
			string(metaBucketKey))
	}

	data := metaBucket.Get(dbVersionKey)
	if data == nil {
		return 0, fmt.Errorf("db version not found")
	}

	return byteOrder.Uint32(data), nil
}

// setDBVersion updates the current database version.
func setDBVersion(tx *bbolt.Tx, version uint32) error {
	metaBucket, err := tx.CreateBucketIfNotExists(metaBucketKey)
	if err != nil {
		return fmt.Errorf("set db version: %v", err)
	}

	scratch := make([]byte, 4)
	byteOrder.PutUint32(scratch, version)
	return metaBucket.Put(dbVersionKey, scratch)
}

// checkDBVersion ensures that the on-disk database version is one that this
// code is able to read.
func checkDBVersion(db *bbolt.DB) error {
	return db.View(func(tx *bbolt.Tx) error {
		version, err := getDBVersion(tx)
		if err != nil {
			return err
		}

		if version > latestDBVersion {
			return fmt.Errorf("db version %v unknown, latest "+
				"known version is %v", version, latestDBVersion)
		}

		return nil
	})
}
