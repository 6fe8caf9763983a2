package wechatpay

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"

	"github.com/pkg/errors"
)

const (
	AlgorithmAEADAES256GCM = "AEAD_AES_256_GCM"

	apiV3KeyLen = 32
	nonceLen    = 12
)

var ErrDecryptionFailure = errors.New("wechatpay: envelope decryption failed")

// Resource 是回调报文中的加密数据块
type Resource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type,omitempty"`
}

// Decryptor 用 APIv3 密钥解密回调资源
type Decryptor struct {
	aead cipher.AEAD
}

func NewDecryptor(apiV3Key string) (*Decryptor, error) {
	if len(apiV3Key) != apiV3KeyLen {
		return nil, errors.Errorf("apiv3 key must be %d bytes, got %d", apiV3KeyLen, len(apiV3Key))
	}
	block, err := aes.NewCipher([]byte(apiV3Key))
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	return &Decryptor{aead: aead}, nil
}

// Decrypt 返回明文 JSON。标签校验失败或输入格式错误都返回 ErrDecryptionFailure。
func (d *Decryptor) Decrypt(r Resource) ([]byte, error) {
	if r.Algorithm != "" && r.Algorithm != AlgorithmAEADAES256GCM {
		return nil, errors.Wrapf(ErrDecryptionFailure, "unsupported algorithm %s", r.Algorithm)
	}
	if len(r.Nonce) != nonceLen {
		return nil, errors.Wrapf(ErrDecryptionFailure, "nonce must be %d bytes", nonceLen)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(r.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailure, "ciphertext is not base64")
	}
	if len(ciphertext) < d.aead.Overhead() {
		return nil, errors.Wrap(ErrDecryptionFailure, "ciphertext shorter than tag")
	}
	plaintext, err := d.aead.Open(nil, []byte(r.Nonce), ciphertext, []byte(r.AssociatedData))
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailure, "authentication tag mismatch")
	}
	return plaintext, nil
}

// Seal 是 Decrypt 的逆操作，供联调与测试构造报文
func (d *Decryptor) Seal(plaintext []byte, nonce, associatedData string) (Resource, error) {
	if len(nonce) != nonceLen {
		return Resource{}, errors.Errorf("nonce must be %d bytes", nonceLen)
	}
	ct := d.aead.Seal(nil, []byte(nonce), plaintext, []byte(associatedData))
	return Resource{
		Algorithm:      AlgorithmAEADAES256GCM,
		Ciphertext:     base64.StdEncoding.EncodeToString(ct),
		Nonce:          nonce,
		AssociatedData: associatedData,
	}, nil
}
