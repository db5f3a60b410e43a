package crypto

import "golang.org/x/crypto/bcrypt"

// bcryptCost is fixed; callers never choose the work factor.
const bcryptCost = 10

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword returns a non-nil error when the password does not match or
// the stored hash is malformed. A corrupted hash is an authentication
// failure, not a crash.
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
