package certify

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"StakeQuorum/internal/storage"
)

// certPrefix namespaces certificate keys in the database.
var certPrefix = []byte("cert/")

// ErrNoCertificate is returned by Store.Get for an unknown digest.
var ErrNoCertificate = errors.New("certificate not found")

// Store persists certificates keyed by digest. Records are zstd-compressed.
// It is safe for concurrent use.
type Store struct {
	db  *storage.Storage
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore wraps db. The caller keeps ownership of db.
func NewStore(db *storage.Storage) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder:\n%w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// PutAll stores every certificate in one atomic batch, replacing any stored
// certificate for the same digest.
func (s *Store) PutAll(certs []*Certificate) error {
	pairs := make([]storage.KeyValue, len(certs))

	for i, c := range certs {
		pairs[i] = storage.KeyValue{
			Key:   certKey(c.Digest),
			Value: s.enc.EncodeAll(EncodeCertificate(c), nil),
		}
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("store %d certificates:\n%w", len(certs), err)
	}

	return nil
}

// Has reports whether a certificate for digest is stored.
func (s *Store) Has(digest [32]byte) (bool, error) {
	ok, err := s.db.Has(certKey(digest))
	if err != nil {
		return false, fmt.Errorf("lookup certificate:\n%w", err)
	}

	return ok, nil
}

// Get loads the certificate for digest.
func (s *Store) Get(digest [32]byte) (*Certificate, error) {
	record, err := s.db.Get(certKey(digest))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoCertificate
	}
	if err != nil {
		return nil, fmt.Errorf("load certificate:\n%w", err)
	}

	return s.decode(record)
}

// List calls fn for every stored certificate in digest order.
func (s *Store) List(fn func(*Certificate) error) error {
	return s.db.IteratePrefix(certPrefix, func(key, value []byte) error {
		c, err := s.decode(value)
		if err != nil {
			return fmt.Errorf("certificate %x:\n%w", key[len(certPrefix):], err)
		}

		return fn(c)
	})
}

// Close releases the codec resources.
func (s *Store) Close() {
	s.enc.Close()
	s.dec.Close()
}

// decode decompresses and decodes a stored record.
func (s *Store) decode(record []byte) (*Certificate, error) {
	raw, err := s.dec.DecodeAll(record, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress:\n%w", err)
	}

	return DecodeCertificate(raw)
}

// certKey returns the database key of a digest.
func certKey(digest [32]byte) []byte {
	return append(append([]byte(nil), certPrefix...), digest[:]...)
}
