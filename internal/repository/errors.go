package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrDuplicateIdentity は(provider, provider_user_id)の一意制約違反を示す。
// 同一外部IDのアカウントが並行して作成された場合に返る。
var ErrDuplicateIdentity = errors.New("identity already exists")

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// isUniqueViolation はlib/pqのエラーが一意制約違反かを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
