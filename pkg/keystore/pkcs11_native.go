//go:build pkcs11 && cgo

package keystore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	pkcs "github.com/miekg/pkcs11"
)

func init() {
	systemTokenProvider = &nativeTokenProvider{}
}

type nativeTokenProvider struct{}

func (nativeTokenProvider) Open(ctx context.Context, cfg PKCS11Config) (TokenSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	module := pkcs.New(cfg.ModulePath)
	if module == nil {
		return nil, errors.New("keystore: failed to load pkcs11 module")
	}
	if err := module.Initialize(); err != nil {
		module.Destroy()
		return nil, err
	}
	release := func() {
		module.Finalize()
		module.Destroy()
	}

	slot, err := selectSlot(module, cfg)
	if err != nil {
		release()
		return nil, err
	}
	session, err := module.OpenSession(slot, pkcs.CKF_SERIAL_SESSION|pkcs.CKF_RW_SESSION)
	if err != nil {
		release()
		return nil, err
	}
	if cfg.PIN != "" {
		if err := module.Login(session, pkcs.CKU_USER, cfg.PIN); err != nil && err != pkcs.Error(pkcs.CKR_USER_ALREADY_LOGGED_IN) {
			module.CloseSession(session)
			release()
			if err == pkcs.Error(pkcs.CKR_PIN_INCORRECT) {
				return nil, ErrInvalidPIN
			}
			return nil, err
		}
	}
	return &nativeTokenSession{module: module, session: session, loggedIn: cfg.PIN != ""}, nil
}

func selectSlot(module *pkcs.Ctx, cfg PKCS11Config) (uint, error) {
	if cfg.Slot != "" {
		id, err := strconv.ParseUint(cfg.Slot, 10, 32)
		if err != nil {
			return 0, err
		}
		return uint(id), nil
	}

	slots, err := module.GetSlotList(true)
	if err != nil {
		return 0, err
	}
	label := strings.TrimSpace(cfg.TokenLabel)
	for _, slot := range slots {
		info, err := module.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(info.Label), label) {
			return slot, nil
		}
	}
	return 0, errors.New("keystore: pkcs11 token not found")
}

type nativeTokenSession struct {
	module   *pkcs.Ctx
	session  pkcs.SessionHandle
	loggedIn bool
}

func (s *nativeTokenSession) GenerateKey(ctx context.Context, label string, id []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mech := []*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_AES_KEY_GEN, nil)}
	tmpl := []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_CLASS, pkcs.CKO_SECRET_KEY),
		pkcs.NewAttribute(pkcs.CKA_KEY_TYPE, pkcs.CKK_AES),
		pkcs.NewAttribute(pkcs.CKA_TOKEN, true),
		pkcs.NewAttribute(pkcs.CKA_PRIVATE, true),
		pkcs.NewAttribute(pkcs.CKA_SENSITIVE, true),
		pkcs.NewAttribute(pkcs.CKA_EXTRACTABLE, false),
		pkcs.NewAttribute(pkcs.CKA_ENCRYPT, true),
		pkcs.NewAttribute(pkcs.CKA_DECRYPT, true),
		pkcs.NewAttribute(pkcs.CKA_VALUE_LEN, KeyBits/8),
		pkcs.NewAttribute(pkcs.CKA_LABEL, label),
		pkcs.NewAttribute(pkcs.CKA_ID, id),
	}
	_, err := s.module.GenerateKey(s.session, mech, tmpl)
	return err
}

func (s *nativeTokenSession) find(label string) ([]pkcs.ObjectHandle, error) {
	tmpl := []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_CLASS, pkcs.CKO_SECRET_KEY),
		pkcs.NewAttribute(pkcs.CKA_LABEL, label),
	}
	if err := s.module.FindObjectsInit(s.session, tmpl); err != nil {
		return nil, err
	}
	objs, _, err := s.module.FindObjects(s.session, 16)
	if ferr := s.module.FindObjectsFinal(s.session); ferr != nil && err == nil {
		err = ferr
	}
	return objs, err
}

func (s *nativeTokenSession) one(label string) (pkcs.ObjectHandle, bool, error) {
	objs, err := s.find(label)
	if err != nil || len(objs) == 0 {
		return 0, false, err
	}
	return objs[0], true, nil
}

func (s *nativeTokenSession) FindKey(ctx context.Context, label string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	obj, found, err := s.one(label)
	if err != nil || !found {
		return nil, false, err
	}
	attrs, err := s.module.GetAttributeValue(s.session, obj, []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_ID, nil),
	})
	if err != nil {
		return nil, false, err
	}
	if len(attrs) == 0 {
		return nil, true, nil
	}
	return attrs[0].Value, true, nil
}

func (s *nativeTokenSession) SetKeyID(ctx context.Context, label string, id []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	obj, found, err := s.one(label)
	if err != nil {
		return err
	}
	if !found {
		return ErrKeyNotFound
	}
	return s.module.SetAttributeValue(s.session, obj, []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_ID, id),
	})
}

func (s *nativeTokenSession) DestroyKey(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objs, err := s.find(label)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		if err := s.module.DestroyObject(s.session, obj); err != nil {
			return err
		}
	}
	return nil
}

func (s *nativeTokenSession) Encrypt(ctx context.Context, label string, iv, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, found, err := s.one(label)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	mech := []*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_AES_CBC_PAD, iv)}
	if err := s.module.EncryptInit(s.session, mech, obj); err != nil {
		return nil, err
	}
	return s.module.Encrypt(s.session, plaintext)
}

func (s *nativeTokenSession) Decrypt(ctx context.Context, label string, iv, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, found, err := s.one(label)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	mech := []*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_AES_CBC_PAD, iv)}
	if err := s.module.DecryptInit(s.session, mech, obj); err != nil {
		return nil, err
	}
	return s.module.Decrypt(s.session, ciphertext)
}

func (s *nativeTokenSession) Close(ctx context.Context) error {
	defer func() {
		s.module.CloseSession(s.session)
		s.module.Finalize()
		s.module.Destroy()
	}()
	if !s.loggedIn {
		return nil
	}
	if err := s.module.Logout(s.session); err != nil && err != pkcs.Error(pkcs.CKR_USER_NOT_LOGGED_IN) {
		return err
	}
	return nil
}
