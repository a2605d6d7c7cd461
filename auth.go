package zbus

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// SASL authentication, spoken in clear text lines before the message stream
// starts. The client half follows the classic mechanism interface; the server
// half implements just enough of the other side for peer-to-peer servers:
// EXTERNAL and ANONYMOUS acceptance plus unix-fd negotiation.

type Authenticator interface {
	Mechanism() []byte
	InitialResponse() []byte
	ProcessData([]byte) ([]byte, error)
}

type AuthExternal struct {
}

func (p *AuthExternal) Mechanism() []byte {
	return []byte("EXTERNAL")
}

func (p *AuthExternal) InitialResponse() []byte {
	uid := []byte(strconv.Itoa(os.Getuid()))
	uidHex := make([]byte, hex.EncodedLen(len(uid)))
	hex.Encode(uidHex, uid)
	return uidHex
}

func (p *AuthExternal) ProcessData([]byte) ([]byte, error) {
	return nil, errors.New("zbus: unexpected authentication data")
}

type AuthAnonymous struct {
}

func (p *AuthAnonymous) Mechanism() []byte {
	return []byte("ANONYMOUS")
}

func (p *AuthAnonymous) InitialResponse() []byte {
	return nil
}

func (p *AuthAnonymous) ProcessData([]byte) ([]byte, error) {
	return nil, errors.New("zbus: unexpected authentication data")
}

type AuthDbusCookieSha1 struct {
}

func (p *AuthDbusCookieSha1) Mechanism() []byte {
	return []byte("DBUS_COOKIE_SHA1")
}

func (p *AuthDbusCookieSha1) InitialResponse() []byte {
	user := []byte(os.Getenv("USER"))
	userHex := make([]byte, hex.EncodedLen(len(user)))
	hex.Encode(userHex, user)
	return userHex
}

func (p *AuthDbusCookieSha1) ProcessData(mesg []byte) ([]byte, error) {
	decodedLen, err := hex.Decode(mesg, mesg)
	if err != nil {
		return nil, err
	}
	mesgTokens := bytes.SplitN(mesg[:decodedLen], []byte(" "), 3)

	file, err := os.Open(os.Getenv("HOME") + "/.dbus-keyrings/" + string(mesgTokens[0]))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	fileStream := bufio.NewReader(file)

	var cookie []byte
	for {
		line, _, err := fileStream.ReadLine()
		if err == io.EOF {
			return nil, errors.New("zbus: sha1 cookie not found")
		} else if err != nil {
			return nil, err
		}
		cookieTokens := bytes.SplitN(line, []byte(" "), 3)
		if bytes.Equal(cookieTokens[0], mesgTokens[1]) {
			cookie = cookieTokens[2]
			break
		}
	}

	challenge := make([]byte, len(mesgTokens[2]))
	if _, err = rand.Read(challenge); err != nil {
		return nil, err
	}
	// The challenge must not contain whitespace.
	for temp := challenge; ; {
		index := bytes.IndexAny(temp, " \t")
		if index == -1 {
			break
		} else if _, err := rand.Read(temp[index : index+1]); err != nil {
			return nil, err
		} else {
			temp = temp[index:]
		}
	}

	hash := sha1.New()
	if _, err := hash.Write(bytes.Join([][]byte{mesgTokens[2], challenge, cookie}, []byte(":"))); err != nil {
		return nil, err
	}

	resp := bytes.Join([][]byte{challenge, []byte(hex.EncodeToString(hash.Sum(nil)))}, []byte(" "))
	respHex := make([]byte, hex.EncodedLen(len(resp)))
	hex.Encode(respHex, resp)
	return respHex, nil
}

// authInfo is the outcome of a completed handshake: the server GUID and
// whether fd passing was negotiated.
type authInfo struct {
	guid      string
	capUnixFD bool
}

func authLine(conn net.Conn, words ...[]byte) error {
	msg := bytes.Join(words, []byte(" "))
	_, err := conn.Write(append(msg, "\r\n"...))
	return err
}

// authenticateClient performs the client half of the handshake. rd must be
// the reader later handed to the message stream so no bytes are lost.
func authenticateClient(conn net.Conn, rd *bufio.Reader, mechs []Authenticator, wantUnixFD bool) (authInfo, error) {
	var info authInfo
	if len(mechs) == 0 {
		mechs = []Authenticator{new(AuthExternal), new(AuthDbusCookieSha1), new(AuthAnonymous)}
	}

	// The credentials byte precedes the first command.
	if _, err := conn.Write([]byte{0}); err != nil {
		return info, err
	}

mechanisms:
	for _, mech := range mechs {
		words := [][]byte{[]byte("AUTH"), mech.Mechanism()}
		if initial := mech.InitialResponse(); initial != nil {
			words = append(words, initial)
		}
		if err := authLine(conn, words...); err != nil {
			return info, err
		}

		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return info, fmt.Errorf("zbus: authentication read: %w", err)
			}
			line = strings.TrimRight(line, "\r\n")

			switch {
			case strings.HasPrefix(line, "DATA"):
				resp, err := mech.ProcessData([]byte(strings.TrimPrefix(strings.TrimPrefix(line, "DATA"), " ")))
				if err != nil {
					if err := authLine(conn, []byte("CANCEL")); err != nil {
						return info, err
					}
					continue
				}
				if err := authLine(conn, []byte("DATA"), resp); err != nil {
					return info, err
				}

			case strings.HasPrefix(line, "OK"):
				info.guid = strings.TrimSpace(strings.TrimPrefix(line, "OK"))
				if err := ValidateGUID(info.guid); err != nil {
					return info, err
				}
				break mechanisms

			case strings.HasPrefix(line, "REJECTED"):
				// Try the next mechanism.
				continue mechanisms

			case strings.HasPrefix(line, "ERROR"):
				return info, errors.New("zbus: authentication error: " + line)

			default:
				if err := authLine(conn, []byte("ERROR")); err != nil {
					return info, err
				}
			}
		}
	}
	if info.guid == "" {
		return info, errors.New("zbus: all authentication mechanisms rejected")
	}

	if wantUnixFD {
		if err := authLine(conn, []byte("NEGOTIATE_UNIX_FD")); err != nil {
			return info, err
		}
		line, err := rd.ReadString('\n')
		if err != nil {
			return info, fmt.Errorf("zbus: authentication read: %w", err)
		}
		info.capUnixFD = strings.HasPrefix(line, "AGREE_UNIX_FD")
	}

	if err := authLine(conn, []byte("BEGIN")); err != nil {
		return info, err
	}
	return info, nil
}

// authenticateServer performs the server half of the handshake, accepting
// EXTERNAL and ANONYMOUS clients.
func authenticateServer(conn net.Conn, rd *bufio.Reader, guid string, allowUnixFD bool) (authInfo, error) {
	info := authInfo{guid: guid}

	// Swallow the credentials byte.
	if _, err := rd.ReadByte(); err != nil {
		return info, fmt.Errorf("zbus: authentication read: %w", err)
	}

	authenticated := false
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return info, fmt.Errorf("zbus: authentication read: %w", err)
		}
		words := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(words) == 0 {
			continue
		}

		switch words[0] {
		case "AUTH":
			if len(words) >= 2 && (words[1] == "EXTERNAL" || words[1] == "ANONYMOUS") {
				authenticated = true
				if err := authLine(conn, []byte("OK"), []byte(guid)); err != nil {
					return info, err
				}
			} else {
				if err := authLine(conn, []byte("REJECTED"), []byte("EXTERNAL"), []byte("ANONYMOUS")); err != nil {
					return info, err
				}
			}

		case "NEGOTIATE_UNIX_FD":
			if authenticated && allowUnixFD {
				info.capUnixFD = true
				if err := authLine(conn, []byte("AGREE_UNIX_FD")); err != nil {
					return info, err
				}
			} else {
				if err := authLine(conn, []byte("ERROR"), []byte("fd passing not supported")); err != nil {
					return info, err
				}
			}

		case "BEGIN":
			if !authenticated {
				return info, errors.New("zbus: client sent BEGIN before authenticating")
			}
			return info, nil

		case "CANCEL":
			authenticated = false
			if err := authLine(conn, []byte("REJECTED"), []byte("EXTERNAL"), []byte("ANONYMOUS")); err != nil {
				return info, err
			}

		default:
			if err := authLine(conn, []byte("ERROR")); err != nil {
				return info, err
			}
		}
	}
}
