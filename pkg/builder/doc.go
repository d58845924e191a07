/*
Package builder turns a device record and a worker template into a worker
directory.

A build runs in a fixed order and stops at the first failure:

 1. Load the template and confirm every manifest file exists
 2. Render and validate the worker configuration document
 3. Create the worker directory
 4. Copy each manifest file under its role name, keeping mode and mtime
 5. Write config.json

Steps 1 and 2 fail with a config error before anything touches disk. A failure
in step 4 or 5 removes the worker directory and is reported as a partial build
error, so a worker is never started from a half populated directory.
*/
package builder
