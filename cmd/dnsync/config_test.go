package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

const (
	testScanKey = "0f694e068028a717f8af6b9411f9a133dd3565258714cc226594b34db90c1f2c"
	testGenesis = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
)

func testArgs(t *testing.T, args ...string) []string {
	dir := t.TempDir()

	return append([]string{
		"--appdir=" + dir,
		"--configfile=" + filepath.Join(dir, "missing.conf"),
	}, args...)
}

// TestLoadConfig checks defaults, the config file and command line
// precedence.
func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(testArgs(t))
	require.NoError(t, err)
	require.Equal(t, &chaincfg.MainNetParams, cfg.chainParams)
	require.Equal(t, "https://block-dn.org", cfg.BlockDN.URL)
	require.Nil(t, cfg.keys)
	require.True(t, cfg.startFilterHeader.IsNone())
	require.True(t, os.IsNotExist(cfg.configFileError))

	dir := t.TempDir()
	confFile := filepath.Join(dir, "dnsync.conf")
	conf := `[Application Options]
network=signet
startheight=1000
notweaks=true

[blockdn]
blockdn.url=http://localhost:8080
`
	require.NoError(t, os.WriteFile(confFile, []byte(conf), 0600))

	cfg, err = loadConfig([]string{
		"--appdir=" + dir, "--startheight=2000",
		"--startfilterheader=" + testGenesis,
	})
	require.NoError(t, err)
	require.Equal(t, &chaincfg.SigNetParams, cfg.chainParams)
	require.Equal(t, "http://localhost:8080", cfg.BlockDN.URL)
	require.EqualValues(t, 2000, cfg.StartHeight)
	require.True(t, cfg.NoTweaks)
	require.True(t, cfg.startFilterHeader.IsSome())
	require.Equal(t, filepath.Join(dir, defaultLogDirname), cfg.LogDir)
	require.NoError(t, cfg.configFileError)
}

// TestParseKeys covers the silent payment key options.
func TestParseKeys(t *testing.T) {
	_, spendPub := btcec.PrivKeyFromBytes([]byte{0x01, 0x02})
	spendHex := hex.EncodeToString(spendPub.SerializeCompressed())

	keys, err := parseKeys("", "", nil)
	require.NoError(t, err)
	require.Nil(t, keys)

	cfg, err := loadConfig(testArgs(t,
		"--scankey="+testScanKey,
		"--spendkey="+spendHex,
		"--label=1", "--label=5",
	))
	require.NoError(t, err)
	require.NotNil(t, cfg.keys)
	require.Equal(t, []uint32{1, 5}, cfg.keys.Labels)
	require.True(t, cfg.keys.SpendKey.IsEqual(spendPub))

	_, err = parseKeys(testScanKey, "", nil)
	require.Error(t, err)

	_, err = parseKeys("", "", []uint32{1})
	require.Error(t, err)

	_, err = parseKeys("abcd", spendHex, nil)
	require.Error(t, err)

	_, err = parseKeys(testScanKey, "02ff", nil)
	require.Error(t, err)

	_, err = loadConfig(testArgs(t,
		"--scankey="+testScanKey,
		"--spendkey="+spendHex,
		"--notweaks",
	))
	require.Error(t, err)
}
