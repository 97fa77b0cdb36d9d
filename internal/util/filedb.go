package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

type TokenData struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}

// TokenStorage keeps the upstream access token on disk so a restarted daemon
// can reuse it. Concurrent processes are serialized by an advisory lock file.
type TokenStorage struct {
	flock *flock.Flock
	file  string
}

func NewTokenStorage(file string) (*TokenStorage, error) {
	dir := filepath.Dir(file)
	_, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err = os.MkdirAll(dir, 0700); err != nil {
			log.Errorf("Failed to create directories: %s %v", dir, err)
			return nil, err
		}
	} else if err != nil {
		log.Errorf("Error checking directory: %v", err)
		return nil, err
	}

	return &TokenStorage{
		flock: flock.New(file + ".lock"),
		file:  file,
	}, nil
}

// Load returns the stored token, or an empty string if nothing has been saved yet.
func (ts *TokenStorage) Load() (string, error) {
	if err := ts.flock.RLock(); err != nil {
		log.Errorf("Failed to lock token file: %s", err)
		return "", err
	}
	defer ts.flock.Unlock()

	file, err := os.Open(ts.file)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer file.Close()

	var data TokenData
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return "", err
	}
	return data.Token, nil
}

func (ts *TokenStorage) Save(token string) error {
	if err := ts.flock.Lock(); err != nil {
		return err
	}
	defer ts.flock.Unlock()

	file, err := os.OpenFile(ts.file, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewEncoder(file).Encode(TokenData{Token: token, SavedAt: time.Now()})
}
