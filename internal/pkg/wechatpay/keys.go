// Package wechatpay 实现微信支付 APIv3 的签名、验签与回调报文解密。
package wechatpay

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// LoadPrivateKey 解析商户 API 私钥 (PKCS#8 或 PKCS#1 PEM)
func LoadPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key: not an RSA key")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "private key: parse")
	}
	return key, nil
}

// LoadPrivateKeyFile 从文件读取商户私钥
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read private key %s", path)
	}
	return LoadPrivateKey(data)
}

// LoadPublicKey 解析平台公钥，支持 PUBLIC KEY 与 CERTIFICATE 两种 PEM
func LoadPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("public key: no PEM block found")
	}
	var pub any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "public key: parse certificate")
		}
		pub = cert.PublicKey
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "public key: parse")
		}
		pub = key
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key: not an RSA key")
	}
	return rsaKey, nil
}

// KeyRegistry 保存平台公钥，按证书序列号(或公钥 ID)索引，支持轮换期间多把并存
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]*rsa.PublicKey)}
}

func (r *KeyRegistry) Add(serial string, key *rsa.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[serial] = key
}

// AddPEMFile 读取 PEM 文件并以 serial 注册
func (r *KeyRegistry) AddPEMFile(serial, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read platform key %s", path)
	}
	key, err := LoadPublicKey(data)
	if err != nil {
		return errors.Wrapf(err, "platform key %s", serial)
	}
	r.Add(serial, key)
	return nil
}

func (r *KeyRegistry) Get(serial string) (*rsa.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[serial]
	return key, ok
}
