package auth_test

import (
	"errors"
	"testing"

	"github.com/doyke/eztool/internal/server/api/auth"
	"github.com/stretchr/testify/assert"
)

func TestGenKey(t *testing.T) {

	key, err := auth.GenerateKey()
	assert.NoError(t, err)
	assert.Len(t, key, auth.AutoGenKeyLength)
	assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)

}

func BenchmarkGenKey(b *testing.B) {
	var key string
	var err error
	for i := 0; i < b.N; i++ {
		key, err = auth.GenerateKey()
	}
	assert.NoError(b, err)
	assert.Len(b, key, auth.AutoGenKeyLength)
}

func TestDeriveKey(t *testing.T) {

	type testCase struct {
		name        string
		password    string
		expectedKey []byte
		expectedErr error
	}

	testCases := []testCase{
		{
			name:        "Normal Password",
			password:    "password123",
			expectedKey: []byte{0xe2, 0xcc, 0x8b, 0xc6, 0x84, 0x84, 0x56, 0x3a, 0xe7, 0x89, 0x55, 0x14, 0x47, 0x4e, 0x79, 0x9f, 0x70, 0x1, 0x85, 0x63, 0x53, 0xc1, 0xd6, 0x41, 0xfd, 0xc7, 0x64, 0x91, 0x3b, 0x95, 0xbe, 0xf3},
		},
		{
			name:        "Simple Password",
			password:    "1",
			expectedKey: []byte{0x84, 0x24, 0xbf, 0x85, 0xfa, 0xa5, 0x42, 0x59, 0x27, 0xd4, 0x8c, 0x40, 0xcf, 0x9e, 0xe0, 0x72, 0x92, 0x49, 0xc1, 0x1a, 0x93, 0xd, 0x6f, 0x2e, 0x12, 0xc8, 0xc4, 0x43, 0x2f, 0x2c, 0xf6, 0xbe},
		},
		{
			name:        "empty password",
			password:    "",
			expectedKey: []byte{},
			expectedErr: errors.New("password cannot be empty"),
		},
		{
			name:        "long password",
			password:    "dkfghdfg90d78h350ß8dgfjkdfg#---23489dfg!!!@!@#$$%&/()=",
			expectedKey: []byte{0xda, 0x73, 0xf1, 0xe7, 0xaa, 0x17, 0x16, 0x56, 0xd, 0x11, 0x70, 0xd9, 0x6d, 0xa8, 0x7c, 0x20, 0xdc, 0x4, 0xed, 0x28, 0xee, 0x64, 0x5d, 0x5a, 0x10, 0xc, 0x8d, 0x66, 0x96, 0x73, 0x3e, 0x4c},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			derivedKey, err := auth.DeriveKey(tc.password)
			if tc.expectedErr != nil {
				assert.Equal(t, tc.expectedErr, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expectedKey, derivedKey)
		})
	}
}

func TestDeriveSessionKey(t *testing.T) {
	key := make([]byte, 32)
	serverNonce := make([]byte, 32)
	clientNonce := make([]byte, 32)

	for i := range key {
		key[i] = byte(i)
		serverNonce[i] = byte(i + 10)
		clientNonce[i] = byte(i + 20)
	}

	sessionKey := auth.DeriveSessionKey(key, serverNonce, clientNonce)
	assert.Len(t, sessionKey, 32)

	sessionKey2 := auth.DeriveSessionKey(key, serverNonce, clientNonce)
	assert.Equal(t, sessionKey, sessionKey2)

	clientNonce[0] = 99
	sessionKey3 := auth.DeriveSessionKey(key, serverNonce, clientNonce)
	assert.NotEqual(t, sessionKey, sessionKey3)
}
