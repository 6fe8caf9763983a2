package wechatpay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const authorizationSchema = "WECHATPAY2-SHA256-RSA2048"

// Signer 用商户私钥为请求签名
type Signer struct {
	mchID    string
	serialNo string
	key      *rsa.PrivateKey
	now      func() time.Time
	nonce    func() string
}

func NewSigner(mchID, serialNo string, key *rsa.PrivateKey) *Signer {
	return &Signer{
		mchID:    mchID,
		serialNo: serialNo,
		key:      key,
		now:      time.Now,
		nonce:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// Sign 对任意消息做 SHA256-RSA 签名并 base64 编码
func (s *Signer) Sign(message []byte) (string, error) {
	hashed := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", errors.Wrap(err, "rsa sign")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Authorization 生成请求头 Authorization。
// canonicalURL 为不含域名的路径加查询串，例如 /v3/pay/transactions/out-trade-no/X?mchid=1
func (s *Signer) Authorization(method, canonicalURL string, body []byte) (string, error) {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce := s.nonce()

	message := method + "\n" + canonicalURL + "\n" + timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	signature, err := s.Sign([]byte(message))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		authorizationSchema, s.mchID, nonce, signature, timestamp, s.serialNo), nil
}

// MchID 返回商户号
func (s *Signer) MchID() string { return s.mchID }
