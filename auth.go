package teal

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"fmt"

	"github.com/tealdb/teal/protocol"
)

// PasswordProvider describes objects that are able to provide a
// password given a user name.
type PasswordProvider interface {
	GetPassword(user string) ([]byte, error)
}

// ConstantPassword is a password provider that always returns the same
// password, which it is given during initialization.
type ConstantPassword struct {
	Password []byte
}

func (p *ConstantPassword) GetPassword(user string) ([]byte, error) {
	return p.Password, nil
}

// Md5ConstantPassword is a password provider that returns the md5 hash
// of a constant password and the user name as md5(concat(password,
// user)), the storage format the md5 exchange is built on.
type Md5ConstantPassword struct {
	Password []byte
}

func (p *Md5ConstantPassword) GetPassword(user string) ([]byte, error) {
	pu := append(append([]byte(nil), p.Password...), user...)
	puHash := md5.Sum(pu)
	return puHash[:], nil
}

// noPasswordAuth lets every session in without credentials.
type noPasswordAuth struct{}

func (noPasswordAuth) Challenge(*protocol.ClientIdentity) *protocol.ResponsePacket { return nil }
func (noPasswordAuth) Verify(*protocol.ClientIdentity, []byte) error               { return nil }

// clearTextAuth requests and accepts a clear text password. It is not
// recommended to use it for security reasons.
type clearTextAuth struct {
	pp PasswordProvider
}

func (a *clearTextAuth) Challenge(*protocol.ClientIdentity) *protocol.ResponsePacket {
	return protocol.AuthenticationCleartext()
}

func (a *clearTextAuth) Verify(identity *protocol.ClientIdentity, password []byte) error {
	expected, err := a.pp.GetPassword(identity.User)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, password) {
		return fmt.Errorf("password does not match for user %q", identity.User)
	}
	return nil
}

// md5Auth requests and accepts an MD5 hashed password from the client.
// One instance serves one session: the salt minted by Challenge is the
// salt Verify checks against.
type md5Auth struct {
	pp   PasswordProvider
	salt [4]byte
}

func (a *md5Auth) Challenge(*protocol.ClientIdentity) *protocol.ResponsePacket {
	if _, err := rand.Read(a.salt[:]); err != nil {
		panic(fmt.Sprintf("teal: reading random salt: %v", err))
	}
	return protocol.AuthenticationMD5(a.salt)
}

func (a *md5Auth) Verify(identity *protocol.ClientIdentity, password []byte) error {
	stored, err := a.pp.GetPassword(identity.User)
	if err != nil {
		return err
	}
	expected := hashWithSalt(stored, a.salt[:])
	if !bytes.Equal(expected, password) {
		return fmt.Errorf("password does not match for user %q", identity.User)
	}
	return nil
}

// hashWithSalt salts the provided md5 hash and hashes the result using
// md5. The provided hash must be md5(concat(password, username)).
func hashWithSalt(hash, salt []byte) []byte {
	// concat('md5', md5(concat(md5(concat(password, username)), random-salt)))
	// the inner part (md5(concat())) is provided as the hash argument
	puHash := fmt.Sprintf("%x", hash)
	puHashSalted := append([]byte(puHash), salt...)
	finalHash := fmt.Sprintf("md5%x", md5.Sum(puHashSalted))
	return []byte(finalHash)
}
